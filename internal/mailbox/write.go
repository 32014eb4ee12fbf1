package mailbox

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const randSuffixLen = 6

// WriteAction drops one action document into dir using the mailbox naming
// scheme: <epoch_ms>-<rand6>.json, written to a .tmp file first and renamed
// so readers never observe a partial document.
func WriteAction(dir string, doc any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create mailbox dir: %w", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode mailbox document: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), randSuffix())
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write mailbox document: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish mailbox document: %w", err)
	}
	return final, nil
}

func randSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, randSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand is effectively infallible; fall back to a fixed
		// suffix rather than propagate an error nobody can act on.
		return "000000"
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}
