// Package http mounts the registry's apps surface: full/delta/application
// reads behind the request gate, plus register/renew/cancel writes
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	perr "discoveryd/internal/platform/errors"
	phttp "discoveryd/internal/platform/net/http"
	"discoveryd/internal/platform/net/http/bind"
	"discoveryd/internal/registry"

	"discoveryd/internal/gate"
)

// RegisterBody is the payload for POST /eureka/apps/{app}
type RegisterBody struct {
	ID       string            `json:"id" validate:"required"`
	AppGroup string            `json:"appGroup"`
	HostName string            `json:"hostName" validate:"required"`
	IPAddr   string            `json:"ipAddr" validate:"required"`
	Port     int               `json:"port" validate:"required,min=1"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`

	PortEnabled bool `json:"portEnabled"`

	SecurePort        int  `json:"securePort"`
	SecurePortEnabled bool `json:"securePortEnabled"`

	VipAddress       string `json:"vipAddress"`
	SecureVipAddress string `json:"secureVipAddress"`

	RenewalIntervalSeconds int `json:"renewalIntervalSeconds"`
	DurationSeconds        int `json:"durationSeconds"`
}

// Handlers wires a registry.Core to the concrete apps HTTP surface
type Handlers struct {
	core *registry.Core
}

// New returns apps Handlers backed by core
func New(core *registry.Core) *Handlers {
	return &Handlers{core: core}
}

// Mount registers every apps route on r, wrapping the GET shapes with the
// request gate and leaving POST/PUT/DELETE as Other (always admitted)
func (h *Handlers) Mount(r phttp.Router, g *gate.Gate, cfgSrc gate.ConfigSource) {
	gated := gate.Middleware(g, cfgSrc, func(w http.ResponseWriter, status int, body any) {
		phttp.JSON(w, status, body)
	})

	r.Handle("/eureka/apps", gated(http.HandlerFunc(h.full)))
	r.Handle("/eureka/apps/", gated(http.HandlerFunc(h.full)))
	r.Handle("/eureka/apps/delta", gated(http.HandlerFunc(h.delta)))
	r.Handle("/eureka/apps/{app}", gated(http.HandlerFunc(h.dispatchApp)))
	r.Handle("/eureka/apps/{app}/{id}", gated(http.HandlerFunc(h.dispatchInstance)))
}

func (h *Handlers) full(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		phttp.RespondError(w, r, perr.Newf(perr.ErrorCodeInvalidArgument, "method not allowed"))
		return
	}
	phttp.RespondOK(w, r, h.core.SnapshotFull())
}

func (h *Handlers) delta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		phttp.RespondError(w, r, perr.Newf(perr.ErrorCodeInvalidArgument, "method not allowed"))
		return
	}
	// no changelog is kept, so this returns the full snapshot rather than
	// only the changes since the client's last fetch
	phttp.RespondOK(w, r, h.core.SnapshotFull())
}

func (h *Handlers) dispatchApp(w http.ResponseWriter, r *http.Request) {
	app := pathParam(r, "app")
	switch r.Method {
	case http.MethodGet:
		phttp.RespondOK(w, r, h.core.SnapshotApp(app))
	case http.MethodPost:
		h.register(w, r, app)
	default:
		phttp.RespondError(w, r, perr.Newf(perr.ErrorCodeInvalidArgument, "method not allowed"))
	}
}

func (h *Handlers) register(w http.ResponseWriter, r *http.Request, app string) {
	body, err := bind.ParseJSON[RegisterBody](r)
	if err != nil {
		phttp.RespondError(w, r, err)
		return
	}

	inst := registry.Instance{
		ID:       body.ID,
		AppName:  app,
		AppGroup: body.AppGroup,
		HostName: body.HostName,
		IPAddr:   body.IPAddr,

		Port:        body.Port,
		PortEnabled: body.PortEnabled,

		SecurePort:        body.SecurePort,
		SecurePortEnabled: body.SecurePortEnabled,

		VipAddress:       body.VipAddress,
		SecureVipAddress: body.SecureVipAddress,

		Status:   body.Status,
		Metadata: body.Metadata,
		Lease: registry.Lease{
			RenewalIntervalSeconds: body.RenewalIntervalSeconds,
			DurationSeconds:        body.DurationSeconds,
		},
	}
	h.core.Register(inst, time.Now())
	// Register sanitizes its own copy; the echoed body follows the same rule
	if !inst.SecurePortEnabled {
		inst.SecureVipAddress = ""
	}
	phttp.RespondCreated(w, r, inst)
}

func (h *Handlers) dispatchInstance(w http.ResponseWriter, r *http.Request) {
	app := pathParam(r, "app")
	id := pathParam(r, "id")

	switch r.Method {
	case http.MethodPut:
		if h.core.Renew(app, id, time.Now()) {
			phttp.RespondOK(w, r, map[string]string{"status": "renewed"})
			return
		}
		phttp.RespondError(w, r, perr.NotFoundf("instance %s/%s not registered", app, id))
	case http.MethodDelete:
		if h.core.Cancel(app, id) {
			w.WriteHeader(http.StatusOK)
			return
		}
		phttp.RespondError(w, r, perr.NotFoundf("instance %s/%s not registered", app, id))
	default:
		phttp.RespondError(w, r, perr.Newf(perr.ErrorCodeInvalidArgument, "method not allowed"))
	}
}

// pathParam reads a chi-style {name} path placeholder. Mount wires routes
// with chi patterns, and the platform Router is always backed by chi
// (see adapter_chi.go), so chi.URLParam works regardless of the Router
// abstraction used to register the route.
func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
