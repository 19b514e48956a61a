package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"tradecore/pkg/types"
)

// Report is the result of walking one segment's hash chain.
type Report struct {
	Valid       bool
	Records     int
	FirstBroken int // 1-based line number of the first broken link, 0 if intact
	Reason      string
}

// Verify walks a segment and checks every chain link. Tampering is
// reported, not returned as an error; errors mean the file itself could
// not be read.
func Verify(path string, integrityKey, encryptionKey []byte) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, types.E(types.KindConfig, "audit.verify", fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)

	rep := Report{Valid: true}
	prev := zeroHash
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		if len(encryptionKey) > 0 {
			plain, err := decryptLine(encryptionKey, string(raw))
			if err != nil {
				return broken(line, fmt.Sprintf("decrypt: %v", err)), nil
			}
			raw = plain
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return broken(line, fmt.Sprintf("malformed record: %v", err)), nil
		}
		if rec.PrevHash != prev {
			return broken(line, "prev_hash does not match previous record"), nil
		}

		claimed := rec.Hash
		rec.Hash = ""
		canonical, err := json.Marshal(rec)
		if err != nil {
			return broken(line, fmt.Sprintf("canonicalize: %v", err)), nil
		}
		if chainHash(integrityKey, canonical) != claimed {
			return broken(line, "hash mismatch: record was altered"), nil
		}

		prev = claimed
		rep.Records++
	}
	if err := sc.Err(); err != nil {
		return Report{}, types.E(types.KindInternal, "audit.verify", err)
	}
	return rep, nil
}

func broken(line int, reason string) Report {
	return Report{Valid: false, Records: line - 1, FirstBroken: line, Reason: reason}
}
