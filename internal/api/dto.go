package api

import (
	"time"

	"proximity/internal/ent"
	"proximity/internal/enum"
)

// deployRequestBody is the JSON body of POST /apps/deploy (spec §6).
type deployRequestBody struct {
	CatalogID       string            `json:"catalog_id"`
	Hostname        string            `json:"hostname"`
	CPUCores        *int              `json:"cpu_cores,omitempty"`
	MemoryMB        *int              `json:"memory_mb,omitempty"`
	DiskGB          *int              `json:"disk_gb,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	DeleteOnFailure bool              `json:"delete_on_failure,omitempty"`
}

// cloneRequestBody is the JSON body of POST /apps/{id}/clone.
type cloneRequestBody struct {
	Hostname string `json:"hostname"`
}

// updateConfigRequestBody is the JSON body of PATCH /apps/{id}/config.
type updateConfigRequestBody struct {
	CPUCores *int `json:"cpu_cores,omitempty"`
	MemoryMB *int `json:"memory_mb,omitempty"`
	DiskGB   *int `json:"disk_gb,omitempty"`
}

// applicationResponse is the JSON shape of GET /apps and GET /apps/{id}
// (spec §3 Application, redacted to the fields a caller may see).
type applicationResponse struct {
	ID           string            `json:"id"`
	CatalogRef   string            `json:"catalog_ref"`
	Hostname     string            `json:"hostname"`
	NodeName     *string           `json:"node_name,omitempty"`
	ContainerID  *int              `json:"container_id,omitempty"`
	PrivateIP    string            `json:"private_ip,omitempty"`
	PublicPort   *int              `json:"public_port,omitempty"`
	State        enum.AppState     `json:"state"`
	CPUCores     int               `json:"cpu_cores"`
	MemoryMB     int               `json:"memory_mb"`
	DiskGB       int               `json:"disk_gb"`
	Ports        map[string]int    `json:"ports,omitempty"`
	Volumes      []string          `json:"volumes,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	OwnerID      string            `json:"owner_id"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func toApplicationResponse(a *ent.Application) applicationResponse {
	return applicationResponse{
		ID:           a.ID.String(),
		CatalogRef:   a.CatalogRef,
		Hostname:     a.Hostname,
		NodeName:     a.NodeName,
		ContainerID:  a.ContainerID,
		PrivateIP:    a.PrivateIP,
		PublicPort:   a.PublicPort,
		State:        a.State,
		CPUCores:     a.CPUCores,
		MemoryMB:     a.MemoryMB,
		DiskGB:       a.DiskGB,
		Ports:        a.Ports,
		Volumes:      a.Volumes,
		Environment:  a.Environment,
		OwnerID:      a.OwnerID,
		ErrorMessage: a.ErrorMessage,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

// deploymentLogEntry is one row of GET /apps/{id}/logs.
type deploymentLogEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Level     enum.LogLevel `json:"level"`
	Step      string        `json:"step"`
	Message   string        `json:"message"`
}

// nodeResponse is one row of GET /nodes.
type nodeResponse struct {
	Node     string  `json:"node"`
	Online   bool    `json:"online"`
	CPULoad  float64 `json:"cpu_load"`
	MemUsed  int64   `json:"mem_used"`
	MemTotal int64   `json:"mem_total"`
}

// applianceResponse is the body of GET /system/appliance.
type applianceResponse struct {
	ContainerID int             `json:"container_id"`
	WANIP       string          `json:"wan_ip"`
	LANIP       string          `json:"lan_ip"`
	Bridge      string          `json:"bridge"`
	Subnet      string          `json:"subnet"`
	DHCPStart   string          `json:"dhcp_range_start"`
	DHCPEnd     string          `json:"dhcp_range_end"`
	DNSDomain   string          `json:"dns_domain"`
	Health      map[string]bool `json:"health"`
}
