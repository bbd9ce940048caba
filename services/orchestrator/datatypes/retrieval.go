package datatypes

// RetrievedDocument is one chunk returned by the retriever. Immutable once
// returned; consumed by the label filter and the answer engine.
type RetrievedDocument struct {
	Content   string  `json:"content"`
	Source    string  `json:"source"`
	LabelID   string  `json:"label_id,omitempty"`
	LabelName string  `json:"label_name,omitempty"`
	Score     float32 `json:"score,omitempty"`
}

type EmbeddingRequest struct {
	Text string `json:"text"`
}

type EmbeddingResponse struct {
	Id        string    `json:"id"`
	Timestamp int       `json:"timestamp"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Dim       int       `json:"dim"`
}

// DocumentChunk is one ingested chunk with its embedding, as stored by the
// local index. The Weaviate backend stores the same fields as object
// properties with the vector attached to the object.
type DocumentChunk struct {
	Content    string    `json:"content"`
	Source     string    `json:"source"`
	LabelID    string    `json:"label_id,omitempty"`
	LabelName  string    `json:"label_name,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
	Vector     []float32 `json:"vector"`
	IngestedAt int64     `json:"ingested_at"`
}
