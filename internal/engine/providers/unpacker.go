package providers

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/mholt/archives"

	"github.com/infracollect/archivist/internal/engine"
)

const (
	SevenZipProviderID = "sevenzip"
	RarProviderID      = "rar"
)

// Unpacker reads containers that can be listed and extracted but not written.
type Unpacker struct {
	opts    Options
	id      string
	formats []string
	format  archives.Extractor
}

func NewSevenZip(opts Options) *Unpacker {
	return &Unpacker{opts: opts.withDefaults(), id: SevenZipProviderID, formats: []string{"7z"}, format: archives.SevenZip{}}
}

func NewRar(opts Options) *Unpacker {
	return &Unpacker{opts: opts.withDefaults(), id: RarProviderID, formats: []string{"rar"}, format: archives.Rar{}}
}

func (u *Unpacker) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		ID:         u.id,
		Capability: engine.CapabilityRead,
		Formats:    u.formats,
		Class:      engine.ClassContainer,
		Priority:   defaultPriority,
	}
}

func (u *Unpacker) GenerateMetadata(ctx context.Context, path string) (*engine.ArchiveInfo, error) {
	info := &engine.ArchiveInfo{Path: path, Format: u.id}
	err := u.eachMember(ctx, path, "list", func(member archives.FileInfo) error {
		name := engine.CleanName(member.NameInArchive)
		if name == "" {
			return nil
		}

		entry := engine.NewEntry(len(info.Entries), name, member.IsDir())
		entry.Modified = member.ModTime()
		entry.Meta = map[string]string{"mode": member.Mode().String()}
		if member.LinkTarget != "" {
			entry.Meta["link"] = member.LinkTarget
		}
		if member.Mode().IsRegular() {
			crc := crc32.NewIEEE()
			n, err := copyMember(member, crc)
			if err != nil {
				return err
			}
			entry.Size = n
			entry.Hash = fmt.Sprintf("%08x", crc.Sum32())
		}

		info.Entries = append(info.Entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (u *Unpacker) ExtractEntry(ctx context.Context, id engine.SessionID, target string, info *engine.ArchiveInfo, entry engine.Entry) error {
	if entry.Dir {
		return u.opts.Fs.MkdirAll(target, 0o755)
	}

	progress := u.opts.reporter(id)
	found := false
	err := u.eachMember(ctx, info.Path, "extract", func(member archives.FileInfo) error {
		if found || engine.CleanName(member.NameInArchive) != entry.Name {
			return nil
		}
		if !member.Mode().IsRegular() {
			return fmt.Errorf("cannot extract %s entry %s of mode %s", u.id, entry.Name, member.Mode())
		}
		found = true
		progress.Indeterminate("extracting " + entry.Name)

		rc, err := member.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", entry.Name, err)
		}
		return errors.Join(writeFile(u.opts.Fs, target, rc), rc.Close())
	})
	if err != nil {
		return err
	}
	if !found {
		return entryNotFound("extract", info.Path, entry)
	}
	return nil
}

func (u *Unpacker) TestArchive(ctx context.Context, id engine.SessionID, path string) error {
	progress := u.opts.reporter(id)
	count := 0
	err := u.eachMember(ctx, path, "test", func(member archives.FileInfo) error {
		count++
		progress.Indeterminate("testing " + member.NameInArchive)
		if !member.Mode().IsRegular() {
			return nil
		}
		n, err := copyMember(member, io.Discard)
		if err != nil {
			return fmt.Errorf("%s entry %s is corrupt: %w", u.id, member.NameInArchive, err)
		}
		if n != member.Size() {
			return fmt.Errorf("%s entry %s is truncated: read %d of %d bytes", u.id, member.NameInArchive, n, member.Size())
		}
		return nil
	})
	if err != nil {
		return err
	}
	progress.Progress(fmt.Sprintf("tested %d entries", count), 100)
	return nil
}

// eachMember opens the archive at path and hands every member to fn in archive order.
func (u *Unpacker) eachMember(ctx context.Context, path, op string, fn func(member archives.FileInfo) error) (err error) {
	if _, err := statArchive(u.opts.Fs, op, path); err != nil {
		return err
	}

	f, err := u.opts.Fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	err = u.format.Extract(ctx, f, func(ctx context.Context, member archives.FileInfo) error {
		if err := checkContext(ctx); err != nil {
			return err
		}
		return fn(member)
	})
	if err != nil {
		return fmt.Errorf("failed to read %s archive %s: %w", u.id, path, err)
	}
	return nil
}

func copyMember(member archives.FileInfo, w io.Writer) (n int64, err error) {
	rc, err := member.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", member.NameInArchive, err)
	}
	defer func() {
		err = errors.Join(err, rc.Close())
	}()
	return io.Copy(w, rc)
}
