package testutil

import (
	"bytes"
	"crypto/sha1"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

// High-level description of a single-file torrent for testing purposes. It satisfies the engine's
// MetaData interface directly, with hashes computed from Data.
type Torrent struct {
	Name        string
	Data        []byte
	PieceLength int64
	Trackers    []string
}

func (t *Torrent) Size() int64 {
	return int64(len(t.Data))
}

func (t *Torrent) PieceSize() int64 {
	return t.PieceLength
}

func (t *Torrent) NumPieces() int {
	return int((t.Size() + t.PieceLength - 1) / t.PieceLength)
}

// Piece returns the data of the piece at index.
func (t *Torrent) Piece(index int) []byte {
	start := int64(index) * t.PieceLength
	return t.Data[start:min(start+t.PieceLength, t.Size())]
}

func (t *Torrent) HashForPiece(index int) [sha1.Size]byte {
	return sha1.Sum(t.Piece(index))
}

func (t *Torrent) InfoHash() [sha1.Size]byte {
	return t.Metainfo().HashInfoBytes()
}

func (t *Torrent) Info() metainfo.Info {
	info := metainfo.Info{
		Name:        t.Name,
		PieceLength: t.PieceLength,
		Length:      t.Size(),
	}
	err := info.GeneratePieces(func(metainfo.FileInfo) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(t.Data)), nil
	})
	panicif.Err(err)
	return info
}

func (t *Torrent) Metainfo() *metainfo.MetaInfo {
	var err error
	mi := &metainfo.MetaInfo{}
	mi.InfoBytes, err = bencode.Marshal(t.Info())
	panicif.Err(err)
	if len(t.Trackers) != 0 {
		mi.Announce = t.Trackers[0]
		for _, tr := range t.Trackers {
			mi.AnnounceList = append(mi.AnnounceList, []string{tr})
		}
	}
	return mi
}

// WriteFiles writes the .torrent file and the data into dir, returning their paths.
func (t *Torrent) WriteFiles(dir string) (torrentFile, dataFile string) {
	torrentFile = filepath.Join(dir, t.Name+".torrent")
	f, err := os.Create(torrentFile)
	panicif.Err(err)
	defer f.Close()
	panicif.Err(t.Metainfo().Write(f))
	dataFile = filepath.Join(dir, t.Name)
	panicif.Err(os.WriteFile(dataFile, t.Data, 0o644))
	return
}

// RandomData returns n bytes from a source seeded with seed.
func RandomData(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}
