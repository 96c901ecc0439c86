package domain

// Metadata is an unstructured metadata container for domain entities.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	copy := make(Metadata, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}

// MetadataRetryOf links a retried run to the run it supersedes.
const MetadataRetryOf = "retry_of"
