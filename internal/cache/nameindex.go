package cache

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// nameIndexHeader is the single column of the exported name index.
const nameIndexHeader = "image_name"

// WriteNameIndex exports names, one per row under an image_name header.
func WriteNameIndex(path string, names []string) error {
	return writeAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{nameIndexHeader}); err != nil {
			return err
		}
		for _, name := range names {
			if err := cw.Write([]string{name}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// ReadNameIndex reads an exported name index.
func ReadNameIndex(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse name index: %w", err)
	}
	if len(records) == 0 || len(records[0]) != 1 || records[0][0] != nameIndexHeader {
		return nil, fmt.Errorf("name index has no %s header", nameIndexHeader)
	}

	names := make([]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		names = append(names, rec[0])
	}

	return names, nil
}
