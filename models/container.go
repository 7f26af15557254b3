package models

// ContainerInfo is the engine's view of one live container, keyed by the
// service name it was created for.
type ContainerInfo struct {
	ID         string `json:"id"`
	Service    string `json:"service"`
	Image      string `json:"image"`
	ConfigHash string `json:"config_hash"`
	Running    bool   `json:"running"`
	ExitCode   int    `json:"exit_code"`
}
