package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Wa4h1h/tftpd/pkg/types"
)

// Source pulls one block of at most max bytes per invocation.
// A nil chunk with more=true means no data is available yet; the
// transfer is retried on the next scheduler pass. more=false means the
// stream is exhausted. The source receives no shutdown signal and must
// be robust to being dropped mid-transfer.
type Source func(max int) (chunk []byte, more bool, err error)

// Sink pushes one received block per invocation, last marking the final
// (short) frame.
type Sink func(data []byte, last bool) error

// RrqFactory is invoked per incoming read request. size is the total
// transfer size used to answer the tsize option, size < 0 if unknown.
// A returned *types.Error is sent to the client verbatim, any other
// error maps to ERROR(1, "File not found").
type RrqFactory func(filename string) (src Source, size int64, err error)

// WrqFactory is invoked per incoming write request.
type WrqFactory func(filename string) (Sink, error)

// FileRrqFactory serves read requests from files under baseDir.
func FileRrqFactory(baseDir string) RrqFactory {
	return func(filename string) (Source, int64, error) {
		path, err := resolvePath(baseDir, filename)
		if err != nil {
			return nil, 0, err
		}

		stats, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, 0, types.NewError(types.ErrFileNotFound)
			}

			return nil, 0, fmt.Errorf("error while checking file exists: %w", err)
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, 0, fmt.Errorf("error while opening file: %w", err)
		}

		src := func(max int) ([]byte, bool, error) {
			block := make([]byte, max)

			n, err := f.Read(block)
			if err != nil {
				closeErr := f.Close()

				if errors.Is(err, io.EOF) {
					return nil, false, closeErr
				}

				return nil, false, fmt.Errorf("error while reading file block: %w", err)
			}

			return block[:n], true, nil
		}

		return src, stats.Size(), nil
	}
}

// FileWrqFactory stores write requests as files under baseDir. Existing
// files are never overwritten.
func FileWrqFactory(baseDir string) WrqFactory {
	return func(filename string) (Sink, error) {
		path, err := resolvePath(baseDir, filename)
		if err != nil {
			return nil, err
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				return nil, types.NewError(types.ErrFileAlreadyExists)
			}

			return nil, fmt.Errorf("error while opening file: %w", err)
		}

		sink := func(data []byte, last bool) error {
			if _, err := f.Write(data); err != nil {
				_ = f.Close()

				return fmt.Errorf("error while writing block to file: %w", err)
			}

			if last {
				if err := f.Close(); err != nil {
					return fmt.Errorf("error while closing file: %w", err)
				}
			}

			return nil
		}

		return sink, nil
	}
}

func resolvePath(baseDir, filename string) (string, error) {
	if strings.Contains(filename, "..") || strings.HasPrefix(filename, "/") {
		return "", types.NewError(types.ErrAccessViolation)
	}

	return fmt.Sprintf("%s/%s", baseDir, filename), nil
}
