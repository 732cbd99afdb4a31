package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"quorumchain/pkg/canonical"
	"quorumchain/pkg/fault"
)

const hashPrefix = "sha256:"

// Block is one link of the fingerprint chain.
type Block struct {
	BlockID      int64             `json:"block_id"`
	Timestamp    string            `json:"timestamp"`
	Operation    string            `json:"operation"`
	Description  string            `json:"description"`
	Files        map[string]string `json:"files"`
	Metadata     json.RawMessage   `json:"metadata"`
	PreviousHash *string           `json:"previous_hash"`
	BlockHash    string            `json:"block_hash"`
}

// hashed mirrors Block without block_hash.
type hashed struct {
	BlockID      int64             `json:"block_id"`
	Timestamp    string            `json:"timestamp"`
	Operation    string            `json:"operation"`
	Description  string            `json:"description"`
	Files        map[string]string `json:"files"`
	Metadata     json.RawMessage   `json:"metadata"`
	PreviousHash *string           `json:"previous_hash"`
}

// ComputeHash returns "sha256:" + hex(sha256(canonical JSON of every field
// except block_hash)).
func (b Block) ComputeHash() (string, error) {
	h, err := canonical.Hash(hashed{
		BlockID:      b.BlockID,
		Timestamp:    b.Timestamp,
		Operation:    b.Operation,
		Description:  b.Description,
		Files:        b.Files,
		Metadata:     b.Metadata,
		PreviousHash: b.PreviousHash,
	})
	if err != nil {
		return "", err
	}
	return hashPrefix + h, nil
}

func (b Block) clone() Block {
	out := b
	out.Files = make(map[string]string, len(b.Files))
	for k, v := range b.Files {
		out.Files[k] = v
	}
	out.Metadata = append(json.RawMessage(nil), b.Metadata...)
	if b.PreviousHash != nil {
		prev := *b.PreviousHash
		out.PreviousHash = &prev
	}
	return out
}

func marshalBlock(b Block) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fault.Storage(fmt.Sprintf("encode ledger block %d", b.BlockID), err)
	}
	return data, nil
}

// encodeMetadata turns caller metadata into a canonical JSON object.
func encodeMetadata(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	var raw []byte
	var err error
	switch m := v.(type) {
	case json.RawMessage:
		raw, err = canonical.Normalize(m)
	case []byte:
		raw, err = canonical.Normalize(m)
	default:
		raw, err = canonical.Marshal(m)
	}
	if err != nil {
		return nil, &fault.ConfigError{Field: "metadata", Reason: "must encode as JSON", Cause: err}
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fault.Config("metadata", "must be a JSON object")
	}
	return raw, nil
}

// FileHasher fingerprints files relative to a base directory as hex
// sha256. A missing file hashes as empty content.
type FileHasher struct {
	BaseDir string
}

func (h FileHasher) path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(h.BaseDir, rel)
}

// relative is the inverse of path for files under BaseDir.
func (h FileHasher) relative(full string) string {
	if rel, err := filepath.Rel(h.BaseDir, full); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return full
}

// Fingerprint hashes one file; relative paths resolve against BaseDir.
func (h FileHasher) Fingerprint(rel string) (string, error) {
	data, err := os.ReadFile(h.path(rel))
	if os.IsNotExist(err) {
		data = nil
	} else if err != nil {
		return "", fault.Storage(fmt.Sprintf("fingerprint %s", rel), err)
	}
	return canonical.HashBytes(data), nil
}

// FingerprintAll maps each of files to its fingerprint.
func (h FileHasher) FingerprintAll(files []string) (map[string]string, error) {
	out := make(map[string]string, len(files))
	for _, f := range files {
		fp, err := h.Fingerprint(f)
		if err != nil {
			return nil, err
		}
		out[f] = fp
	}
	return out, nil
}

// Report is the outcome of a chain verification.
type Report struct {
	Valid           bool   `json:"valid"`
	Height          int    `json:"height"`
	FirstBadBlockID *int64 `json:"first_bad_block_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

func verifyChain(blocks []Block) Report {
	for i, b := range blocks {
		bad := func(reason string) Report {
			id := b.BlockID
			return Report{Valid: false, Height: len(blocks), FirstBadBlockID: &id, Reason: reason}
		}
		if b.BlockID != int64(i) {
			return bad(fmt.Sprintf("block id %d at position %d", b.BlockID, i))
		}
		if i == 0 {
			if b.PreviousHash != nil {
				return bad("genesis block has a previous hash")
			}
		} else if b.PreviousHash == nil || *b.PreviousHash != blocks[i-1].BlockHash {
			return bad("previous hash does not match")
		}
		h, err := b.ComputeHash()
		if err != nil {
			return bad("cannot hash block: " + err.Error())
		}
		if h != b.BlockHash {
			return bad("block hash mismatch")
		}
	}
	return Report{Valid: true, Height: len(blocks)}
}
