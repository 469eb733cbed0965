package model

// All lists every persisted model in migration order.
func All() []interface{} {
	return []interface{}{
		&Document{},
		&DocumentVersion{},
		&DocumentChunk{},
		&DocumentSummary{},
		&Job{},
	}
}
