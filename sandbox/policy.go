package sandbox

// IsolationPolicy is the declarative resource/network/backend contract for
// one execution. Policies are never mutated after construction — the
// manager builds a fresh merged policy for every call.
type IsolationPolicy struct {
	// Type selects the isolation backend.
	Type BackendType

	// Image is the container image. Required when Type is
	// BackendContainer; ignored otherwise.
	Image string

	Resources ResourceSpec
	Network   NetworkPolicy

	// Mounts are applied to container executions only.
	Mounts []Mount
}

// MergePolicies overlays caller fields over defaults, field by field.
// Nested objects merge recursively; the mounts slice replaces wholesale.
// Zero-valued caller fields inherit the default.
func MergePolicies(defaults, overlay IsolationPolicy) IsolationPolicy {
	merged := defaults

	if overlay.Type != "" {
		merged.Type = overlay.Type
	}
	if overlay.Image != "" {
		merged.Image = overlay.Image
	}
	if overlay.Resources.MemoryLimit > 0 {
		merged.Resources.MemoryLimit = overlay.Resources.MemoryLimit
	}
	if overlay.Resources.CPUQuota > 0 {
		merged.Resources.CPUQuota = overlay.Resources.CPUQuota
	}
	if overlay.Network.Mode != "" {
		merged.Network.Mode = overlay.Network.Mode
	}
	if overlay.Mounts != nil {
		merged.Mounts = overlay.Mounts
	}

	return merged
}

// retarget returns a copy of the policy aimed at a different backend.
// Resources and network carry forward unchanged so fallback never silently
// drops the caller's constraints — only the isolation mechanism substitutes.
func (p IsolationPolicy) retarget(t BackendType) IsolationPolicy {
	p.Type = t
	return p
}

// Validate checks that the policy is well formed for its backend type.
func (p IsolationPolicy) Validate() error {
	switch p.Type {
	case BackendNative, BackendContainer, BackendWasm:
	default:
		return newError(KindInvalidPolicy, "validate policy", errf("unknown backend type: %q", p.Type))
	}

	if p.Type == BackendContainer && p.Image == "" {
		return newError(KindInvalidPolicy, "validate policy", errf("container policy requires an image"))
	}
	if p.Resources.MemoryLimit < 0 {
		return newError(KindInvalidPolicy, "validate policy", errf("negative memory limit: %d", p.Resources.MemoryLimit))
	}
	if p.Resources.CPUQuota < 0 {
		return newError(KindInvalidPolicy, "validate policy", errf("negative cpu quota: %v", p.Resources.CPUQuota))
	}

	switch p.Network.Mode {
	case "", NetworkNone, NetworkBridge:
	default:
		return newError(KindInvalidPolicy, "validate policy", errf("unknown network mode: %q", p.Network.Mode))
	}

	for _, m := range p.Mounts {
		if m.HostPath == "" || m.ContainerPath == "" {
			return newError(KindInvalidPolicy, "validate policy", errf("mount requires both host and container paths"))
		}
	}

	return nil
}
