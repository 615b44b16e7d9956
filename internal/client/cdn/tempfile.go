package cdn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const copyBufferSize = 32 * 1024

// openTemp reopens the partial file of a resume token when it still matches,
// otherwise creates an empty one. The returned offset is where writing resumes.
func openTemp(dir string, resume *ResumeToken) (f *os.File, offset int64, validator string, err error) {
	if resume != nil && resume.TempPath != "" && resume.Offset > 0 {
		if info, statErr := os.Stat(resume.TempPath); statErr == nil && info.Size() >= resume.Offset {
			f, err = os.OpenFile(resume.TempPath, os.O_RDWR, 0600)
			if err == nil {
				if err = f.Truncate(resume.Offset); err == nil {
					if _, err = f.Seek(resume.Offset, io.SeekStart); err == nil {
						return f, resume.Offset, resume.Validator, nil
					}
				}
				f.Close()
			}
		}
		os.Remove(resume.TempPath)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, 0, "", fmt.Errorf("create temp dir: %w", err)
	}
	f, err = os.Create(filepath.Join(dir, "download-"+uuid.NewString()+".enc"))
	if err != nil {
		return nil, 0, "", fmt.Errorf("create temp file: %w", err)
	}
	return f, 0, "", nil
}

// restart discards partial content when the server ignored the range request.
func restart(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, io.SeekStart)
	return err
}

// copyBody streams body into f, reporting progress after every chunk. It returns
// the total bytes in f. An error from progress is returned as is; read failures
// are returned as TransferError with a resume token when bytes were kept.
func copyBody(ctx context.Context, f *os.File, body io.Reader, received, total int64, validator string, progress ProgressFunc) (int64, error) {
	if progress != nil {
		if err := progress(received, total); err != nil {
			return received, err
		}
	}

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return received, fmt.Errorf("write temp file: %w", werr)
			}
			received += int64(n)
			if progress != nil {
				if err := progress(received, total); err != nil {
					return received, err
				}
			}
		}
		if rerr == io.EOF {
			if total >= 0 && received < total {
				return received, interrupted(ctx, f, received, validator, io.ErrUnexpectedEOF)
			}
			return received, nil
		}
		if rerr != nil {
			return received, interrupted(ctx, f, received, validator, rerr)
		}
	}
}

func interrupted(ctx context.Context, f *os.File, received int64, validator string, cause error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(cause, ctxErr) {
		return ctxErr
	}
	te := &TransferError{Err: cause}
	if received > 0 {
		te.Resume = &ResumeToken{TempPath: f.Name(), Offset: received, Validator: validator}
	}
	return te
}

// finish closes f and removes it unless the download completed or left a resume token.
func finish(f *os.File, err error) {
	f.Close()
	if err != nil && ResumeTokenFrom(err) == nil {
		os.Remove(f.Name())
	}
}
