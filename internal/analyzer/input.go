package analyzer

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/johndauphine/sqlconv/internal/fault"
)

// DefaultExtensions are the source file extensions picked up when the run
// does not list its own.
var DefaultExtensions = []string{".sql", ".ddl", ".prc", ".pls", ".pks", ".pkb", ".bteq", ".txt"}

// Discover walks dir and returns the matching source files as slash-separated
// paths relative to dir, in lexicographic order. Hidden files and directories
// are skipped.
func Discover(dir string, extensions []string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fault.Config("input.dir", "%v", err)
	}
	if !info.IsDir() {
		return nil, fault.Config("input.dir", "%s is not a directory", dir)
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	want := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		want[strings.ToLower(e)] = true
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != dir && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !want[strings.ToLower(filepath.Ext(name))] {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// Encodings lists the accepted input encodings.
var Encodings = []string{"utf-8", "utf-16", "windows-1252", "latin1"}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "", "utf-8", "utf8":
		// A BOM switches to the encoding it announces and is dropped.
		return unicode.UTF8BOM, nil
	case "utf-16", "utf16":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	}
	return nil, fault.Config("input.encoding", "unsupported encoding %q (want one of %s)", name, strings.Join(Encodings, ", "))
}

// ValidateEncoding reports a ConfigFault for an unknown encoding name.
func ValidateEncoding(name string) error {
	_, err := lookupEncoding(name)
	return err
}

// Decode converts raw file bytes to UTF-8 text.
func Decode(data []byte, encodingName string) (string, error) {
	enc, err := lookupEncoding(encodingName)
	if err != nil {
		return "", err
	}
	// The UTF-8 decoder substitutes U+FFFD for bad bytes; refuse instead so a
	// wrong encoding setting never rewrites source text silently.
	if enc == unicode.UTF8BOM && !hasUTF16BOM(data) && !utf8.Valid(data) {
		return "", fmt.Errorf("input is not valid utf-8 text")
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return "", fmt.Errorf("decoding as %s: %w", encodingName, err)
	}
	return string(out), nil
}

func hasUTF16BOM(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF})
}

// isBinary flags decoded text with NUL characters in its first KiB.
func isBinary(text string) bool {
	if len(text) > 1024 {
		text = text[:1024]
	}
	return strings.IndexByte(text, 0) >= 0
}
