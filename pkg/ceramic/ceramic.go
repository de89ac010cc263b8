package ceramic

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/Lexa-Bard/Ceramic/pkg/types"
)

// CommitType distinguishes entries in a stream's log.
type CommitType uint8

const (
	CommitType_Genesis CommitType = iota
	CommitType_Signed
	CommitType_Anchor
)

// CommitState is one entry of a stream's log.
type CommitState struct {
	Cid  cid.Cid    `json:"cid"`
	Type CommitType `json:"type"`
}

// StreamState is the resolved state of a stream as reported by the stream
// network node: its metadata plus the conflict-resolved commit log. The tip
// is the last log entry.
type StreamState struct {
	Metadata types.StreamMetadata `json:"metadata"`
	Log      []CommitState        `json:"log"`
}

// Tip returns the stream's current tip commit.
func (s *StreamState) Tip() (cid.Cid, error) {
	if len(s.Log) == 0 {
		return cid.Undef, fmt.Errorf("stream log is empty")
	}
	return s.Log[len(s.Log)-1].Cid, nil
}

// IncludesCommit reports whether a commit survived conflict resolution.
func (s *StreamState) IncludesCommit(c cid.Cid) bool {
	for _, entry := range s.Log {
		if entry.Cid.Equals(c) {
			return true
		}
	}
	return false
}

// IStreamLoader is the stream network's conflict-resolution oracle. The
// anchor pipeline treats it as opaque: it asks for a stream's resolved
// state and accepts or rejects pending commits against the returned log.
//
// Only consulted when stream loading is enabled; the default pipeline
// bypasses it and anchors the newest accepted request's commit directly.
type IStreamLoader interface {
	LoadStream(ctx context.Context, streamID string) (*StreamState, error)
}
