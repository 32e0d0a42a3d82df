// Package main runs one registering instance: it maintains its own
// descriptor, discovers the zone/region topology, and keeps a registry
// lease alive through the client runtime's supervised tasks
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"discoveryd/internal/client"
	"discoveryd/internal/clouddc"
	"discoveryd/internal/dnsresolve"
	"discoveryd/internal/instance"
	"discoveryd/internal/platform/config"
	perr "discoveryd/internal/platform/errors"
	"discoveryd/internal/platform/logger"
	phttp "discoveryd/internal/platform/net/http"
	"discoveryd/internal/platform/net/middleware"
	"discoveryd/internal/topology"
)

func main() {
	root := config.New()
	cfg := root.Prefix("CORE_CLIENT_")
	l := logger.Get()

	appName := cfg.MustString("APP_NAME")
	port := cfg.MayInt("PORT", 8080)
	hostName, ipAddr := localAddr()

	resolver := dnsresolve.New(cfg.MayCSV("DNS_NAMESERVERS", nil), cfg.MayDuration("DNS_TIMEOUT", 2*time.Second))

	resolveHost := func(refresh bool) (string, string, error) {
		resolved := resolver.Resolve(hostName)
		if recs := resolver.ARecords(resolved); len(recs) > 0 {
			return resolved, recs[0].String(), nil
		}
		return resolved, ipAddr, nil
	}

	manager := instance.New(cfg.MayString("INSTANCE_ID", ""), appName, hostName, ipAddr, port, resolveHost,
		instance.WithAppGroup(cfg.MayString("APP_GROUP", "")),
		instance.WithSecurePort(cfg.MayInt("SECURE_PORT", 0), cfg.MayBool("SECURE_PORT_ENABLED", false)),
		instance.WithVipAddress(cfg.MayString("VIP_ADDRESS", hostName)),
		instance.WithSecureVipAddress(cfg.MayString("SECURE_VIP_ADDRESS", hostName)),
	)
	instance.SetDefault(manager)

	addressOrder := cfg.MayCSV("ADDRESS_RESOLUTION_ORDER", nil)
	if len(addressOrder) > 0 {
		order := make([]instance.AddressField, len(addressOrder))
		for i, f := range addressOrder {
			order[i] = instance.AddressField(f)
		}
		manager.SetAddressResolutionOrder(order)
	}

	domainName := cfg.MayString("DOMAIN_NAME", "")
	var topoResolver topology.Resolver
	if domainName != "" {
		topoResolver = topology.DNSResolver{Resolver: resolver, DomainName: domainName}
	} else {
		topoResolver = topology.StaticResolver{}
	}
	mapper := topology.New(topoResolver)
	regions := cfg.MayCSV("REGIONS", []string{"us-east-1"})
	if err := mapper.SetRegionsToFetch(regions); err != nil {
		if perr.IsCode(err, perr.ErrorCodeInvalidArgument) {
			l.Panic().Err(err).Msg("topology configuration error")
		}
		l.Warn().Err(err).Msg("topology rebuild reported errors, continuing with whatever resolved")
	}

	if cfg.MayBool("CLOUD_DC_ENABLED", false) {
		builder := clouddc.New(nil, clouddc.Config{
			FailFastOnFirstLoad: cfg.MayBool("CLOUD_DC_FAIL_FAST", false),
		})
		md, err := builder.Build(context.Background())
		if err != nil {
			l.Warn().Err(err).Msg("cloud metadata unavailable, running with local host info only")
		} else {
			manager.RegisterAppMetadata(map[string]string{
				"instanceId": md.InstanceID,
				"vpcId":      md.VpcID,
				"accountId":  md.AccountID,
			})
			if err := manager.RefreshDataCenterInfoIfRequired(instance.DataCenterInfo{
				Name:                        "Amazon",
				SpotInstanceTerminationTime: md.SpotInstanceAction,
			}); err != nil {
				l.Warn().Err(err).Msg("data center info refresh failed")
			} else {
				l.Info().Str("instanceId", md.InstanceID).Str("vpcId", md.VpcID).Msg("cloud metadata resolved")
			}
		}
	}

	registryClient := &client.HTTPRegistryClient{Client: &http.Client{Timeout: cfg.MayDuration("REGISTRY_TIMEOUT", 5*time.Second)}}

	regionHosts := client.RegionHosts{}
	for _, region := range regions {
		if host := cfg.MayString("REGISTRY_HOST_"+region, ""); host != "" {
			regionHosts[region] = host
		}
	}

	runtime := client.New(manager, mapper, registryClient, client.Config{
		App:              appName,
		DefaultZone:      cfg.MustString("DEFAULT_ZONE"),
		HeartbeatTimeout: cfg.MayDuration("HEARTBEAT_TIMEOUT", 5*time.Second),
		FetchTimeout:     cfg.MayDuration("FETCH_TIMEOUT", 10*time.Second),
		ReplicateTimeout: cfg.MayDuration("REPLICATE_TIMEOUT", 5*time.Second),
		RegionHosts:      regionHosts,

		LeaseRenewalIntervalSeconds:    cfg.MayInt("LEASE_RENEWAL_INTERVAL_IN_SECONDS", 30),
		LeaseExpirationDurationSeconds: cfg.MayInt("LEASE_EXPIRATION_DURATION_IN_SECONDS", 90),
	})

	manager.SetStatus(instance.StatusUp, instance.DefaultStatusMapper)
	runtime.Start()
	defer runtime.Stop()

	srv := phttp.NewServer(cfg)
	statusRouter := srv.Router()
	statusRouter.Use(middleware.RequestID(), middleware.Recover(), middleware.AccessLogZerolog(middleware.AccessLogOptions{}))
	statusRouter.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		phttp.RespondOK(w, r, manager.Info())
	})

	if err := srv.Run(context.Background()); err != nil && err != http.ErrServerClosed {
		l.Panic().Err(err).Msg("client status server stopped")
	}
}

// localAddr returns this process's host name and a best-effort outbound
// IPv4 address, falling back to the host name alone if neither DNS nor the
// environment yields anything usable
func localAddr() (string, string) {
	hostName, err := os.Hostname()
	if err != nil {
		hostName = "localhost"
	}

	ip := ""
	if addrs, err := net.LookupIP(hostName); err == nil {
		for _, addr := range addrs {
			if v4 := addr.To4(); v4 != nil {
				ip = v4.String()
				break
			}
		}
	}
	return hostName, ip
}
