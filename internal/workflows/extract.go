package workflows

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// DefaultExtensions are the item extensions extracted from datasets
var DefaultExtensions = []string{"png", "jpg", "tiff"}

type datasetKind int

const (
	datasetUnsupported datasetKind = iota
	datasetArchive
	datasetImage
)

// classifyDataset decides from the key's extension whether a dataset is an
// archive, a single allow-listed image, or unsupported
func classifyDataset(key string, allow map[string]struct{}) datasetKind {
	ext, ok := extension(key)
	if !ok {
		return datasetUnsupported
	}
	if ext == "zip" {
		return datasetArchive
	}
	if _, ok := allow[ext]; ok {
		return datasetImage
	}
	return datasetUnsupported
}

// extension is the text after the last dot of the base name
func extension(name string) (string, bool) {
	base := path.Base(name)
	i := strings.LastIndexByte(base, '.')
	if i < 0 || i == len(base)-1 {
		return "", false
	}
	return base[i+1:], true
}

func allowList(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allow := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		allow[strings.TrimPrefix(ext, ".")] = struct{}{}
	}
	return allow
}

// item is one candidate extracted from a dataset. Bytes are read lazily
// inside the item's own path.
type item struct {
	identity string
	read     func() ([]byte, error)
}

// extractItems enumerates candidate items. Only failing to open the
// dataset itself is an error; entries outside the allow-list, directories,
// and names escaping the archive root are skipped.
func extractItems(kind datasetKind, key string, data []byte, allow map[string]struct{}) ([]item, error) {
	switch kind {
	case datasetImage:
		return []item{{
			identity: path.Base(key),
			read:     func() ([]byte, error) { return data, nil },
		}}, nil
	case datasetArchive:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDataset, key)
	}

	// Unsafe names are filtered per entry below
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArchive, key, err)
	}

	var items []item
	for _, f := range zr.File {
		if !isCandidate(f, allow) {
			continue
		}
		items = append(items, item{
			identity: f.Name,
			read:     func() ([]byte, error) { return readEntry(f) },
		})
	}
	return items, nil
}

func isCandidate(f *zip.File, allow map[string]struct{}) bool {
	if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
		return false
	}
	if !safeEntryName(f.Name) {
		return false
	}
	ext, ok := extension(f.Name)
	if !ok {
		return false
	}
	_, ok = allow[ext]
	return ok
}

func safeEntryName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return false
	}
	cleaned := path.Clean(name)
	return cleaned != ".." && !strings.HasPrefix(cleaned, "../")
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open entry %s: %v", ErrInvalidArchive, f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read entry %s: %v", ErrInvalidArchive, f.Name, err)
	}
	return data, nil
}

// ItemKey is where a stage stores an item and how its ItemTask addresses it
func ItemKey(batchID uuid.UUID, stage uint32, identity string) string {
	return fmt.Sprintf("batches/%s/stages/%d/%s", batchID, stage, identity)
}
