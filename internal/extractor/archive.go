package extractor

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
)

type frameFile struct {
	name string
	path string
}

// writeArchive bundles the grabbed frames into a deflate-compressed ZIP,
// entry names matching the frame file names. Frames are written in schedule
// order.
func writeArchive(frames []frameFile, dest io.Writer) error {
	zw := zip.NewWriter(dest)
	for _, frame := range frames {
		entry, err := zw.CreateHeader(&zip.FileHeader{Name: frame.name, Method: zip.Deflate})
		if err != nil {
			return fmt.Errorf("create archive entry %s: %w", frame.name, err)
		}
		src, err := os.Open(frame.path)
		if err != nil {
			return fmt.Errorf("open frame %s: %w", frame.path, err)
		}
		if _, err := io.Copy(entry, src); err != nil {
			src.Close()
			return fmt.Errorf("archive frame %s: %w", frame.name, err)
		}
		if err := src.Close(); err != nil {
			return fmt.Errorf("close frame %s: %w", frame.path, err)
		}
	}
	return zw.Close()
}
