package api

import (
	"net/http"

	"proximity/internal/coreerr"
)

// listNodes handles GET /nodes (spec §6).
func (h *handlers) listNodes(w http.ResponseWriter, r *http.Request) {
	if h.deps.Driver == nil {
		writeError(w, coreerr.New(coreerr.KindInternal, "api: hypervisor driver not configured"))
		return
	}
	nodes, err := h.deps.Driver.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]nodeResponse, len(nodes))
	for i, n := range nodes {
		out[i] = nodeResponse{Node: n.Node, Online: n.Online, CPULoad: n.CPULoad, MemUsed: n.MemUsed, MemTotal: n.MemTotal}
	}
	writeJSON(w, http.StatusOK, out)
}

// applianceInfo handles GET /system/appliance (spec §6), wiring the
// singleton ApplianceInfo record and verify_health (spec §4.4).
func (h *handlers) applianceInfo(w http.ResponseWriter, r *http.Request) {
	if h.deps.Appliance == nil {
		writeError(w, coreerr.New(coreerr.KindInternal, "api: appliance manager not configured"))
		return
	}
	info := h.deps.Appliance.Info()
	if info == nil {
		writeError(w, coreerr.New(coreerr.KindInternal, "api: appliance not yet bootstrapped"))
		return
	}

	health, err := h.deps.Appliance.VerifyHealth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, applianceResponse{
		ContainerID: info.ContainerID,
		WANIP:       info.WANIP,
		LANIP:       info.LANIP,
		Bridge:      info.Bridge,
		Subnet:      info.Subnet,
		DHCPStart:   info.DHCPStart,
		DHCPEnd:     info.DHCPEnd,
		DNSDomain:   info.DNSDomain,
		Health: map[string]bool{
			"bridge":    health.BridgeUp,
			"appliance": health.ApplianceUp,
			"dhcp":      health.DHCPUp,
			"dns":       health.DNSUp,
			"nat":       health.NATUp,
			"proxy":     health.ProxyUp,
		},
	})
}
