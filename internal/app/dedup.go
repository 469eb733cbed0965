package app

import (
	"docdelta/internal/chunker"
	"docdelta/internal/model"
)

// ChunkPlan is the reuse-or-new classification of a version's chunks.
// Chunks carry no VersionID or DocumentID yet.
type ChunkPlan struct {
	Chunks []model.DocumentChunk
	Reused int
	New    int
}

// ResolveChunks classifies chunks against the summarized chunks of the
// latest prior version. A chunk whose hash matches a prior chunk with a
// summary copies that summary and records where it came from; every other
// chunk is new. When several prior chunks share a hash the lowest index wins.
func ResolveChunks(prior []model.DocumentChunk, chunks []chunker.Chunk) ChunkPlan {
	byHash := make(map[string]model.DocumentChunk, len(prior))
	for _, p := range prior {
		if !p.HasSummary() {
			continue
		}
		if existing, ok := byHash[p.ContentHash]; ok && existing.ChunkIndex <= p.ChunkIndex {
			continue
		}
		byHash[p.ContentHash] = p
	}

	plan := ChunkPlan{Chunks: make([]model.DocumentChunk, 0, len(chunks))}
	for _, c := range chunks {
		row := model.DocumentChunk{
			ChunkIndex:  c.Index,
			ContentHash: c.Hash,
			Content:     c.Text,
		}
		if src, ok := byHash[c.Hash]; ok {
			summary := *src.Summary
			srcID := src.ID
			row.Summary = &summary
			row.ReusedFromID = &srcID
			if src.SummarizedAt != nil {
				at := *src.SummarizedAt
				row.SummarizedAt = &at
			}
			plan.Reused++
		} else {
			plan.New++
		}
		plan.Chunks = append(plan.Chunks, row)
	}
	return plan
}
