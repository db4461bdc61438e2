package logtrace

// Fields is a type alias for structured log fields
type Fields map[string]interface{}

// WithFields returns a copy of base with extra fields merged in.
func WithFields(base Fields, extra Fields) Fields {
	fields := Fields{}
	for key, value := range base {
		fields[key] = value
	}
	for key, value := range extra {
		fields[key] = value
	}
	return fields
}

const (
	FieldCorrelationID = "correlation_id"
	FieldModule        = "module"
	FieldError         = "error"
	FieldPeer          = "peer"
	FieldNodeID        = "node_id"
	FieldTxID          = "tx_id"
	FieldQuery         = "query"
	FieldBuckets       = "buckets"
	FieldTableSize     = "table_size"
)
