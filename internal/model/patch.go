package model

// ServerPatch is a partial update. Nil fields are left unchanged; ID and
// Status cannot be patched.
type ServerPatch struct {
	Name         *string         `json:"name,omitempty"`
	Variant      *Variant        `json:"variant,omitempty"`
	Version      *string         `json:"version,omitempty"`
	Port         *int            `json:"port,omitempty"`
	BindAddress  *string         `json:"bind_address,omitempty"`
	MemoryGB     *int            `json:"memory_gb,omitempty"`
	Game         *GameRules      `json:"game,omitempty"`
	Launch       *LaunchConfig   `json:"launch,omitempty"`
	Security     *SecurityPolicy `json:"security,omitempty"`
	Integrations *Integrations   `json:"integrations,omitempty"`
}

// Apply returns a copy of rec with the patch applied and defaults re-filled.
// The result must still be validated by the caller.
func (p ServerPatch) Apply(rec ServerRecord) ServerRecord {
	out := rec
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Variant != nil {
		out.Variant = *p.Variant
	}
	if p.Version != nil {
		out.Version = *p.Version
	}
	if p.Port != nil {
		out.Port = *p.Port
	}
	if p.BindAddress != nil {
		out.BindAddress = *p.BindAddress
	}
	if p.MemoryGB != nil {
		out.MemoryGB = *p.MemoryGB
	}
	if p.Game != nil {
		out.Game = *p.Game
	}
	if p.Launch != nil {
		out.Launch = *p.Launch
	}
	if p.Security != nil {
		out.Security = *p.Security
	}
	if p.Integrations != nil {
		out.Integrations = *p.Integrations
	}
	out.ID = rec.ID
	out.Status = rec.Status
	out.CreatedAt = rec.CreatedAt
	out.ApplyDefaults()
	return out
}
