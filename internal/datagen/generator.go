package datagen

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"attachdl/internal/attachment"
	"attachdl/internal/cryptox"
	"attachdl/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

const (
	PointersDir  = "pointers"
	ManifestFile = "manifest.json"
)

// Entry describes one generated attachment.
type Entry struct {
	MessageID    string `json:"message_id,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
	ServerID     uint64 `json:"server_id"`
	FileName     string `json:"file_name"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	BlobPath     string `json:"blob_path"`
	PointerPath  string `json:"pointer_path"`
}

// Manifest is written to manifest.json next to the blobs.
type Manifest struct {
	ThreadID string  `json:"thread_id,omitempty"`
	Entries  []Entry `json:"entries"`
}

// Generator orchestrates the fixture generation process.
type Generator struct {
	config *Config
	logger *slog.Logger
}

// NewGenerator creates a new fixture generator instance.
func NewGenerator(config *Config, logger *slog.Logger) (*Generator, error) {
	if config.OutputDir == "" {
		return nil, errors.New("output directory must be specified")
	}
	if config.InputPath == "" {
		if config.GenerationMode.NumFiles <= 0 {
			return nil, fmt.Errorf("number of files must be positive")
		}
		if config.GenerationMode.FileSize <= 0 {
			return nil, fmt.Errorf("file size must be positive")
		}
	}
	if config.FirstServerID == 0 {
		config.FirstServerID = 1
	}
	if config.ThreadID == "" {
		config.ThreadID = DefaultConfig().ThreadID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{config: config, logger: logger.With("component", "datagen")}, nil
}

type source struct {
	name string
	data []byte
}

// Run seals every source, writes blobs, pointers and the manifest, and seeds
// the store when DBPath is set.
func (g *Generator) Run(ctx context.Context) (*Manifest, error) {
	g.logger.Info("Starting fixture generation", "output_dir", g.config.OutputDir)

	if err := os.RemoveAll(g.config.OutputDir); err != nil {
		return nil, fmt.Errorf("failed to clean output directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(g.config.OutputDir, PointersDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var sources []source
	var err error
	if g.config.InputPath != "" {
		g.logger.Info("Processing existing input", "path", g.config.InputPath)
		sources, err = g.readInput(g.config.InputPath)
	} else {
		g.logger.Info("Generating new data", "files", g.config.GenerationMode.NumFiles,
			"size", humanize.IBytes(uint64(g.config.GenerationMode.FileSize)))
		sources, err = g.generate()
	}
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no input files found under %s", g.config.InputPath)
	}

	manifest := &Manifest{}
	pointers := make([]*attachment.Pointer, 0, len(sources))
	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		serverID := g.config.FirstServerID + uint64(i)
		entry, ptr, err := g.writeSealed(serverID, src)
		if err != nil {
			return nil, err
		}
		manifest.Entries = append(manifest.Entries, entry)
		pointers = append(pointers, ptr)
	}

	if g.config.DBPath != "" {
		manifest.ThreadID = g.config.ThreadID
		if err := g.seed(ctx, manifest, pointers); err != nil {
			return nil, err
		}
	}

	if err := g.writeManifest(manifest); err != nil {
		return nil, err
	}
	g.logger.Info("Fixture generation complete", "attachments", len(manifest.Entries))
	return manifest, nil
}

// readInput collects regular files below path, or path itself.
func (g *Generator) readInput(path string) ([]source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("could not stat input path %s: %w", path, err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return []source{{name: filepath.Base(path), data: data}}, nil
	}

	var sources []source
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		sources = append(sources, source{name: d.Name(), data: data})
		return nil
	})
	return sources, err
}

func (g *Generator) generate() ([]source, error) {
	mode := g.config.GenerationMode
	sources := make([]source, 0, mode.NumFiles)
	for i := 0; i < mode.NumFiles; i++ {
		var r io.Reader = rand.Reader
		ext := ".bin"
		if mode.Readable {
			r = newPatternReader(mode.Pattern)
			ext = ".txt"
		}
		data := make([]byte, mode.FileSize)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("failed to generate data: %w", err)
		}
		sources = append(sources, source{name: fmt.Sprintf("generated_%03d%s", i, ext), data: data})
	}
	return sources, nil
}

func (g *Generator) writeSealed(serverID uint64, src source) (Entry, *attachment.Pointer, error) {
	sealed, err := cryptox.Seal(src.data)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("failed to seal %s: %w", src.name, err)
	}
	contentType := mimetype.Detect(src.data).String()

	id := strconv.FormatUint(serverID, 10)
	blobPath := filepath.Join(g.config.OutputDir, id)
	if err := os.WriteFile(blobPath, sealed.Blob, 0o644); err != nil {
		return Entry{}, nil, fmt.Errorf("failed to write blob %s: %w", blobPath, err)
	}

	ptr := &attachment.Pointer{
		CDNID:           serverID,
		ContentType:     contentType,
		Key:             sealed.Key,
		Size:            uint32(len(src.data)),
		Digest:          sealed.Digest,
		FileName:        src.name,
		CDNNumber:       g.config.CDNNumber,
		UploadTimestamp: uint64(time.Now().UnixMilli()),
	}
	pointerPath := filepath.Join(g.config.OutputDir, PointersDir, id+".pb")
	if err := os.WriteFile(pointerPath, ptr.Marshal(), 0o644); err != nil {
		return Entry{}, nil, fmt.Errorf("failed to write pointer %s: %w", pointerPath, err)
	}

	g.logger.Debug("Sealed attachment", "file_name", src.name, "server_id", serverID,
		"content_type", contentType, "size", humanize.Bytes(uint64(len(src.data))))
	return Entry{
		ServerID:    serverID,
		FileName:    src.name,
		ContentType: contentType,
		Size:        int64(len(src.data)),
		BlobPath:    blobPath,
		PointerPath: pointerPath,
	}, ptr, nil
}

// seed stores a visible, whitelisted thread with one incoming message per pointer.
func (g *Generator) seed(ctx context.Context, manifest *Manifest, pointers []*attachment.Pointer) error {
	db, err := store.Open(store.Config{Path: g.config.DBPath, Logger: g.logger})
	if err != nil {
		return fmt.Errorf("failed to open store %s: %w", g.config.DBPath, err)
	}
	defer db.Close()

	base := time.Now().UnixNano()
	err = db.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutThread(&attachment.Thread{ID: g.config.ThreadID, Visible: true, Whitelisted: true}); err != nil {
			return err
		}
		for i, ptr := range pointers {
			rec := ptr.Record()
			if err := tx.PutAttachment(rec); err != nil {
				return err
			}
			msg := &attachment.Message{
				ID:                fmt.Sprintf("%s-msg-%03d", g.config.ThreadID, i),
				ThreadID:          g.config.ThreadID,
				Incoming:          true,
				Timestamp:         base + int64(i),
				BodyAttachmentIDs: []string{rec.ID},
			}
			if err := tx.PutMessage(msg); err != nil {
				return err
			}
			manifest.Entries[i].MessageID = msg.ID
			manifest.Entries[i].AttachmentID = rec.ID
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed store: %w", err)
	}
	g.logger.Info("Seeded store", "db_path", g.config.DBPath, "thread_id", g.config.ThreadID, "messages", len(pointers))
	return nil
}

func (g *Generator) writeManifest(manifest *Manifest) error {
	path := filepath.Join(g.config.OutputDir, ManifestFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(manifest); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// patternReader is an infinite reader that repeats a given pattern.
type patternReader struct {
	pattern []byte
	pos     int
}

func newPatternReader(pattern string) *patternReader {
	return &patternReader{pattern: []byte(pattern)}
}

func (r *patternReader) Read(p []byte) (n int, err error) {
	if len(r.pattern) == 0 {
		return 0, io.EOF
	}
	for i := 0; i < len(p); i++ {
		p[i] = r.pattern[r.pos]
		r.pos = (r.pos + 1) % len(r.pattern)
	}
	return len(p), nil
}
