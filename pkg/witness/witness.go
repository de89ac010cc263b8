package witness

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/Lexa-Bard/Ceramic/pkg/blockstore"
	"github.com/Lexa-Bard/Ceramic/pkg/caserrors"
	"github.com/Lexa-Bard/Ceramic/pkg/merkle"
)

// Build packages the minimal slice of the content-addressed graph proving
// one anchored commit: anchor commit, proof, merkle root, and the internal
// nodes along the commit's path. The anchor commit CID is registered as the
// archive's single root.
//
// Re-running Build on the same input yields an archive with an identical
// block set and root.
func Build(ctx context.Context, store blockstore.IBlockStore, anchorCommitCid cid.Cid) (*Archive, error) {
	archive := NewArchive()

	commitBlock, err := store.Get(ctx, anchorCommitCid)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load anchor commit")
	}
	if commitBlock == nil {
		return nil, errors.Errorf("anchor commit %s not found", anchorCommitCid)
	}
	archive.PutBlock(*commitBlock)
	archive.AddRoot(anchorCommitCid)

	commit, err := blockstore.DecodeAnchorCommit(commitBlock.Data)
	if err != nil {
		return nil, err
	}

	proofBlock, err := store.Get(ctx, commit.Proof)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load proof")
	}
	if proofBlock == nil {
		return nil, errors.Errorf("proof %s not found", commit.Proof)
	}
	archive.PutBlock(*proofBlock)

	proof, err := blockstore.DecodeProof(proofBlock.Data)
	if err != nil {
		return nil, err
	}

	rootBlock, err := store.Get(ctx, proof.Root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load merkle root")
	}
	if rootBlock == nil {
		return nil, errors.Errorf("merkle root %s not found", proof.Root)
	}
	archive.PutBlock(*rootBlock)

	digits, err := merkle.DecodePath(commit.Path)
	if err != nil {
		return nil, err
	}

	// Walk root-to-leaf copying every internal node the verifier will
	// resolve. The terminal CID is the target commit itself and stays
	// outside the archive.
	current := rootBlock.Data
	for i, digit := range digits {
		tuple, err := blockstore.DecodeTreeNode(current)
		if err != nil {
			return nil, err
		}
		next := tuple[digit]
		if i == len(digits)-1 {
			break
		}

		nextBlock, err := store.Get(ctx, next)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load path node %d", i)
		}
		if nextBlock == nil {
			return nil, errors.Errorf("path node %s not found", next)
		}
		archive.PutBlock(*nextBlock)
		current = nextBlock.Data
	}

	return archive, nil
}

// Verify walks a witness archive back to the target commit. It returns the
// anchor commit CID on success and InvalidWitnessError on any structural
// defect: missing root, unresolvable block, malformed record, or a terminal
// CID that does not match the anchor commit's prev.
func Verify(archive *Archive) (cid.Cid, error) {
	roots := archive.Roots()
	if len(roots) != 1 {
		return cid.Undef, caserrors.NewInvalidWitness("archive has %d roots, want exactly 1", len(roots))
	}
	anchorCommitCid := roots[0]

	commitData := archive.GetBlock(anchorCommitCid)
	if commitData == nil {
		return cid.Undef, caserrors.NewInvalidWitness("anchor commit %s missing from archive", anchorCommitCid)
	}
	commit, err := blockstore.DecodeAnchorCommit(commitData)
	if err != nil {
		return cid.Undef, caserrors.NewInvalidWitness("malformed anchor commit: %v", err)
	}

	proofData := archive.GetBlock(commit.Proof)
	if proofData == nil {
		return cid.Undef, caserrors.NewInvalidWitness("proof %s missing from archive", commit.Proof)
	}
	proof, err := blockstore.DecodeProof(proofData)
	if err != nil {
		return cid.Undef, caserrors.NewInvalidWitness("malformed proof: %v", err)
	}

	rootData := archive.GetBlock(proof.Root)
	if rootData == nil {
		return cid.Undef, caserrors.NewInvalidWitness("merkle root %s missing from archive", proof.Root)
	}

	digits, err := merkle.DecodePath(commit.Path)
	if err != nil {
		return cid.Undef, caserrors.NewInvalidWitness("malformed path: %v", err)
	}

	// One step per digit; the CID reached after the final step must be the
	// commit the anchor points at. The empty path lands on the root itself.
	reached := proof.Root
	current := rootData
	for i, digit := range digits {
		tuple, err := blockstore.DecodeTreeNode(current)
		if err != nil {
			return cid.Undef, caserrors.NewInvalidWitness("malformed path node at step %d: %v", i, err)
		}
		reached = tuple[digit]
		if i == len(digits)-1 {
			break
		}

		current = archive.GetBlock(reached)
		if current == nil {
			return cid.Undef, caserrors.NewInvalidWitness("path node %s missing from archive", reached)
		}
	}

	if !reached.Equals(commit.Prev) {
		return cid.Undef, caserrors.NewInvalidWitness("path terminates at %s, anchor commit points at %s", reached, commit.Prev)
	}

	return anchorCommitCid, nil
}
