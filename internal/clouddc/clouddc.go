// Package clouddc builds a Metadata record by walking the cloud metadata
// service, retrying transient failures with backoff
package clouddc

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"

	perr "discoveryd/internal/platform/errors"
	"discoveryd/internal/platform/logger"
)

const metadataBaseURL = "http://169.254.169.254/latest/meta-data/"
const identityDocURL = "http://169.254.169.254/latest/dynamic/instance-identity/document"

// accountIDPattern extracts the account id out of the instance identity
// document without a full JSON schema
var accountIDPattern = regexp.MustCompile(`"accountId"\s*:\s*"([^"]+)"`)

// Metadata is the set of keys the builder fetches, in the order they must
// be resolved in (vpc-id depends on mac having been fetched already)
type Metadata struct {
	InstanceID string
	Hostname   string
	LocalIPv4  string
	Mac        string
	VpcID      string
	AccountID  string

	// SpotInstanceAction is the raw "spot/instance-action" metadata value.
	// Empty means no termination is scheduled; AWS returns 404 for that
	// case, which is the normal state, not a failure.
	SpotInstanceAction string
}

// Config controls the builder's retry behavior
type Config struct {
	MaxRetries          int
	RetryInterval       time.Duration
	FailFastOnFirstLoad bool
}

// HTTPClient is the narrow seam the builder needs, satisfied by *http.Client
type HTTPClient interface {
	Get(url string) (*http.Response, error)
}

// Builder fetches cloud instance metadata over HTTP
type Builder struct {
	client HTTPClient
	cfg    Config
}

// New returns a Builder. If client is nil, a default http.Client with a
// short timeout is used (the metadata endpoint is link-local and fast).
func New(client HTTPClient, cfg Config) *Builder {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &Builder{client: client, cfg: cfg}
}

// Build fetches every known metadata key and returns the populated
// Metadata. If "instance-id" cannot be obtained after the configured
// retries and FailFastOnFirstLoad is set, Build aborts early with whatever
// partial metadata it has collected plus an error describing the failure.
func (b *Builder) Build(ctx context.Context) (Metadata, error) {
	log := logger.Named("clouddc")
	var md Metadata

	instanceID, err := b.fetchWithRetry(ctx, "instance-id")
	if err != nil {
		log.Warn().Err(err).Msg("instance-id unavailable")
		if b.cfg.FailFastOnFirstLoad {
			return md, perr.Wrap(err, perr.ErrorCodeUnavailable, "cloud metadata unavailable on first load")
		}
	}
	md.InstanceID = instanceID

	md.Hostname, err = b.fetchWithRetry(ctx, "hostname")
	if err != nil {
		log.Warn().Err(err).Msg("hostname unavailable")
	}

	md.LocalIPv4, err = b.fetchWithRetry(ctx, "local-ipv4")
	if err != nil {
		log.Warn().Err(err).Msg("local-ipv4 unavailable")
	}

	md.Mac, err = b.fetchWithRetry(ctx, "mac")
	if err != nil {
		log.Warn().Err(err).Msg("mac unavailable, vpc-id will be skipped")
	} else {
		md.VpcID, err = b.fetchWithRetry(ctx, "network/interfaces/macs/"+md.Mac+"/vpc-id")
		if err != nil {
			log.Warn().Err(err).Msg("vpc-id unavailable")
		}
	}

	md.AccountID, err = b.fetchAccountID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("accountId unavailable")
	}

	md.SpotInstanceAction, err = b.fetchSpotInstanceAction(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("spot instance action check failed")
	}

	return md, nil
}

// fetchSpotInstanceAction reads the spot/instance-action key. A 404 here is
// the common case (no termination scheduled) and is treated as success with
// an empty value, not a transient failure worth retrying or logging.
func (b *Builder) fetchSpotInstanceAction(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	resp, err := b.client.Get(metadataBaseURL + "spot/instance-action")
	if err != nil {
		return "", perr.WrapIf(err, perr.ErrorCodeUnavailable, "spot instance-action request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", perr.Newf(perr.ErrorCodeUnavailable, "spot instance-action endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", perr.WrapIf(err, perr.ErrorCodeUnavailable, "reading spot instance-action response failed")
	}
	return string(body), nil
}

func (b *Builder) fetchWithRetry(ctx context.Context, path string) (string, error) {
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.RetryInterval), uint64(b.cfg.MaxRetries))
	bo = backoff.WithContext(bo, ctx) //nolint:staticcheck // ctx cancellation still honored

	var result string
	op := func() error {
		v, err := b.get(metadataBaseURL + path)
		if err != nil {
			return err
		}
		result = v
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return "", err
	}
	return result, nil
}

func (b *Builder) fetchAccountID(ctx context.Context) (string, error) {
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.RetryInterval), uint64(b.cfg.MaxRetries))
	bo = backoff.WithContext(bo, ctx)

	var doc string
	op := func() error {
		v, err := b.get(identityDocURL)
		if err != nil {
			return err
		}
		doc = v
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return "", err
	}

	m := accountIDPattern.FindStringSubmatch(doc)
	if m == nil {
		return "", perr.Newf(perr.ErrorCodeUnavailable, "accountId not present in instance identity document")
	}
	return m[1], nil
}

func (b *Builder) get(url string) (string, error) {
	resp, err := b.client.Get(url)
	if err != nil {
		return "", perr.WrapIf(err, perr.ErrorCodeUnavailable, "metadata request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", perr.Newf(perr.ErrorCodeUnavailable, "metadata endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", perr.WrapIf(err, perr.ErrorCodeUnavailable, "reading metadata response failed")
	}
	return string(body), nil
}
