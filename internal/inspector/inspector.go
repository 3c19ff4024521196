// Package inspector reads BrightScript source out of a channel zip so the
// CLI can show the code around a stopped thread's position.
package inspector

import (
	"archive/zip"
	"bufio"
	"fmt"
	"strings"
	"sync"
)

// Manifests beyond this are a corrupt or hostile archive, not a channel.
const manifestMaxSizeBytes = 1000000

// LineInfo is one numbered source line, CR/LF/NUL stripped.
type LineInfo struct {
	LineNumber int
	Text       string
}

func (l LineInfo) String() string {
	return fmt.Sprintf("LineInfo[%d,%s]", l.LineNumber, l.Text)
}

// Inspector serves source lines from a channel zip. File names use the
// target's pkg:/ notation or plain archive paths.
type Inspector struct {
	channelZipPath string

	mu       sync.Mutex
	verified bool
}

func New(channelZipPath string) *Inspector {
	return &Inspector{channelZipPath: channelZipPath}
}

// Verify checks that the file is a readable zip with a plausible channel
// manifest. Subsequent calls are free.
func (in *Inspector) Verify() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.verified {
		return nil
	}

	r, err := zip.OpenReader(in.channelZipPath)
	if err != nil {
		return fmt.Errorf("invalid or corrupt zip file %s: %w", in.channelZipPath, err)
	}
	defer func() { _ = r.Close() }()

	var manifest *zip.File
	for _, f := range r.File {
		if f.Name == "manifest" {
			manifest = f
			break
		}
	}
	if manifest == nil {
		return fmt.Errorf("channel file has no manifest: %s", in.channelZipPath)
	}
	if manifest.UncompressedSize64 > manifestMaxSizeBytes {
		return fmt.Errorf("channel file has ridiculously large manifest (%d bytes): %s",
			manifest.UncompressedSize64, in.channelZipPath)
	}

	in.verified = true
	return nil
}

// SourceLine returns one line of a source file, or nil if the file or the
// line does not exist.
func (in *Inspector) SourceLine(fileName string, lineNumber int) (*LineInfo, error) {
	lines, err := in.SourceLines(fileName, lineNumber, lineNumber)
	if err != nil || len(lines) == 0 {
		return nil, err
	}
	return &lines[0], nil
}

// SourceLines returns the lines of fileName in [first,last]. The result
// may be shorter than the requested range; a missing file yields no lines
// and no error, since the target reports paths we may not have packaged.
func (in *Inspector) SourceLines(fileName string, first, last int) ([]LineInfo, error) {
	if err := in.Verify(); err != nil {
		return nil, err
	}

	fileName = strings.TrimPrefix(fileName, "pkg:/")

	r, err := zip.OpenReader(in.channelZipPath)
	if err != nil {
		return nil, fmt.Errorf("open channel zip: %w", err)
	}
	defer func() { _ = r.Close() }()

	f, err := r.Open(fileName)
	if err != nil {
		return nil, nil
	}
	defer func() { _ = f.Close() }()

	var lines []LineInfo
	scanner := bufio.NewScanner(f)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		if lineNumber < first {
			continue
		}
		if lineNumber > last {
			break
		}
		text := strings.TrimRight(scanner.Text(), "\r\x00")
		lines = append(lines, LineInfo{LineNumber: lineNumber, Text: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s from channel zip: %w", fileName, err)
	}
	return lines, nil
}
