package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	currentFile  = "CURRENT"
	vectorsFile  = "vectors.bin"
	metadataFile = "metadata.json"
	versionPref  = "v-"
	tmpPrefix    = ".tmp-"

	formatVersion = 1
)

var vectorsMagic = [4]byte{'C', 'L', 'V', 'X'}

type vectorsHeader struct {
	Magic     [4]byte
	Format    uint32
	Dimension uint32
	Count     uint32
}

type metadataFileV1 struct {
	Format    int       `json:"format"`
	Version   string    `json:"version"`
	Model     string    `json:"model"`
	Dimension int       `json:"dimension"`
	Metric    string    `json:"metric"`
	Count     int       `json:"count"`
	BuiltAt   time.Time `json:"built_at"`
	Entries   []Entry   `json:"entries"`
}

// writeVersion writes the vector file and metadata table for s into a
// temporary directory, fsyncs both, and renames the directory into place.
func writeVersion(root string, s *Snapshot) (err error) {
	tmp := filepath.Join(root, tmpPrefix+s.Version)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tmp)
		}
	}()

	var vec bytes.Buffer
	hdr := vectorsHeader{
		Magic:     vectorsMagic,
		Format:    formatVersion,
		Dimension: uint32(s.Dimension),
		Count:     uint32(len(s.entries)),
	}
	if err := binary.Write(&vec, binary.LittleEndian, hdr); err != nil {
		return err
	}
	if len(s.vectors) > 0 {
		if err := binary.Write(&vec, binary.LittleEndian, s.vectors); err != nil {
			return err
		}
	}
	if err := writeFileSync(filepath.Join(tmp, vectorsFile), vec.Bytes()); err != nil {
		return err
	}

	meta, err := json.Marshal(metadataFileV1{
		Format:    formatVersion,
		Version:   s.Version,
		Model:     s.Model,
		Dimension: s.Dimension,
		Metric:    MetricInnerProduct,
		Count:     len(s.entries),
		BuiltAt:   s.BuiltAt,
		Entries:   s.entries,
	})
	if err != nil {
		return err
	}
	if err := writeFileSync(filepath.Join(tmp, metadataFile), meta); err != nil {
		return err
	}

	return os.Rename(tmp, filepath.Join(root, s.Version))
}

// setCurrent atomically points CURRENT at version.
func setCurrent(root, version string) error {
	tmp := filepath.Join(root, currentFile+".tmp")
	if err := writeFileSync(tmp, []byte(version+"\n")); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(root, currentFile)); err != nil {
		os.Remove(tmp)
		return err
	}
	syncDir(root)
	return nil
}

// readCurrent returns the version CURRENT points at, or ErrNoIndex.
func readCurrent(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, currentFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoIndex
	}
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", ErrCorruptIndex, currentFile, err)
	}
	version := strings.TrimSpace(string(data))
	if !strings.HasPrefix(version, versionPref) || strings.ContainsAny(version, `/\`) || version == ".." {
		return "", fmt.Errorf("%w: invalid version %q in %s", ErrCorruptIndex, version, currentFile)
	}
	return version, nil
}

// readVersion loads the matched vectors/metadata pair of one version.
// Either file missing, or the two disagreeing, is ErrCorruptIndex.
func readVersion(root, version string) (*Snapshot, error) {
	dir := filepath.Join(root, version)

	metaBytes, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("%w: metadata table: %v", ErrCorruptIndex, err)
	}
	var meta metadataFileV1
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata table: %v", ErrCorruptIndex, err)
	}
	if meta.Format != formatVersion || meta.Metric != MetricInnerProduct {
		return nil, fmt.Errorf("%w: unsupported format %d / metric %q", ErrCorruptIndex, meta.Format, meta.Metric)
	}
	if meta.Count != len(meta.Entries) {
		return nil, fmt.Errorf("%w: metadata count %d but %d entries", ErrCorruptIndex, meta.Count, len(meta.Entries))
	}

	f, err := os.Open(filepath.Join(dir, vectorsFile))
	if err != nil {
		return nil, fmt.Errorf("%w: vector file: %v", ErrCorruptIndex, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdr vectorsHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: vector header: %v", ErrCorruptIndex, err)
	}
	if hdr.Magic != vectorsMagic || hdr.Format != formatVersion {
		return nil, fmt.Errorf("%w: bad vector file header", ErrCorruptIndex)
	}
	if int(hdr.Count) != meta.Count || int(hdr.Dimension) != meta.Dimension {
		return nil, fmt.Errorf("%w: vector file holds %d x %d, metadata says %d x %d",
			ErrCorruptIndex, hdr.Count, hdr.Dimension, meta.Count, meta.Dimension)
	}

	vectors := make([]float32, int(hdr.Count)*int(hdr.Dimension))
	if len(vectors) > 0 {
		if err := binary.Read(r, binary.LittleEndian, vectors); err != nil {
			return nil, fmt.Errorf("%w: vector data: %v", ErrCorruptIndex, err)
		}
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data in vector file", ErrCorruptIndex)
	}

	return newSnapshot(meta.Version, meta.Model, meta.Dimension, meta.BuiltAt, meta.Entries, vectors)
}

// removeStale deletes every version directory and leftover temp directory
// other than keep. Errors are returned joined; the caller only logs them.
func removeStale(root, keep string) error {
	des, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	var errs []error
	for _, de := range des {
		name := de.Name()
		if !de.IsDir() || name == keep {
			continue
		}
		if strings.HasPrefix(name, versionPref) || strings.HasPrefix(name, tmpPrefix) {
			if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}
