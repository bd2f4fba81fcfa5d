package chunker

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/repoembed/internal/repolist"
	"github.com/fyrsmithlabs/repoembed/internal/source"
	"github.com/google/uuid"
)

// Chunk is one piece of one file, ready to embed.
type Chunk struct {
	ID         string
	Repository repolist.Reference
	FilePath   string
	Text       string
	Index      int
	Overlap    int
	Tokens     int
}

// Chunker turns file records into chunks with fresh UUIDs.
type Chunker struct {
	splitter *Splitter
	newID    func() string
}

// New returns a chunker over splitter.
func New(splitter *Splitter) *Chunker {
	return &Chunker{splitter: splitter, newID: uuid.NewString}
}

// ChunkFile splits one file. Index counts from zero within the file.
func (c *Chunker) ChunkFile(rec source.FileRecord) ([]Chunk, error) {
	pieces, err := c.splitter.Split(rec.Content)
	if err != nil {
		return nil, fmt.Errorf("chunking %s:/%s: %w", rec.Repository, rec.Path, err)
	}
	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{
			ID:         c.newID(),
			Repository: rec.Repository,
			FilePath:   rec.Path,
			Text:       p.Text,
			Index:      i,
			Overlap:    p.Overlap,
			Tokens:     p.Tokens,
		}
	}
	return chunks, nil
}

// ChunkAll splits every record in order. progress, if set, is called after
// each file with the number of files done.
func (c *Chunker) ChunkAll(ctx context.Context, recs []source.FileRecord, progress func(done int)) ([]Chunk, error) {
	var all []Chunk
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunks, err := c.ChunkFile(rec)
		if err != nil {
			return nil, err
		}
		all = append(all, chunks...)
		if progress != nil {
			progress(i + 1)
		}
	}
	return all, nil
}
