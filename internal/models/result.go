package models

// SearchResult is a single retrieval hit.
type SearchResult struct {
	Content  string      `json:"content"`
	Score    float64     `json:"score"`
	Document DocumentRef `json:"document"`
	// ChunkIndex is the chunk's ordinal position within its document; it is the
	// deterministic tiebreaker for equal scores.
	ChunkIndex int `json:"chunk_index"`
	// Orphan marks a legacy-compatibility hit with no conversation binding.
	// Orphan hits always rank after every exact-conversation hit.
	Orphan bool `json:"orphan,omitempty"`
	Rank   int  `json:"rank"`
}

// MigrateReport summarizes an orphan backfill run.
type MigrateReport struct {
	Backfilled  int64 `json:"backfilled"`
	StillOrphan int64 `json:"still_orphan"`
}

// CleanupReport summarizes an orphan cleanup run. When DryRun is true,
// Candidates is the count that would be deleted and Deleted is zero.
type CleanupReport struct {
	DryRun     bool  `json:"dry_run"`
	Candidates int64 `json:"candidates"`
	Deleted    int64 `json:"deleted"`
}
