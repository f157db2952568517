package torrent

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/anacrolix/torrent/metainfo"
)

// MetaData is what the engine needs to know about a torrent.
type MetaData interface {
	// Total length of the data in bytes.
	Size() int64
	PieceSize() int64
	// The expected SHA-1 of the piece at index.
	HashForPiece(index int) [sha1.Size]byte
	InfoHash() [sha1.Size]byte
}

var ErrBadMetaInfo = errors.New("bad metainfo")

// MetaInfoData adapts a parsed .torrent file to MetaData.
type MetaInfoData struct {
	info     metainfo.Info
	infoHash [sha1.Size]byte
	trackers []string
}

var _ MetaData = (*MetaInfoData)(nil)

func LoadMetaData(filename string) (*MetaInfoData, error) {
	mi, err := metainfo.LoadFromFile(filename)
	if err != nil {
		return nil, fmt.Errorf("loading metainfo: %w", err)
	}
	return NewMetaInfoData(mi)
}

// NewMetaInfoData checks the piece layout of mi's info dictionary. Only v1 piece hashes are used.
func NewMetaInfoData(mi *metainfo.MetaInfo) (*MetaInfoData, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("unmarshalling info: %w", err)
	}
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length %d", ErrBadMetaInfo, info.PieceLength)
	}
	numPieces := intCeilDiv(info.TotalLength(), info.PieceLength)
	if int64(len(info.Pieces)) != numPieces*sha1.Size {
		return nil, fmt.Errorf("%w: %d bytes of piece hashes for %d pieces", ErrBadMetaInfo, len(info.Pieces), numPieces)
	}
	md := &MetaInfoData{
		info:     info,
		infoHash: mi.HashInfoBytes(),
	}
	for _, tier := range mi.UpvertedAnnounceList() {
		md.trackers = append(md.trackers, tier...)
	}
	return md, nil
}

func (me *MetaInfoData) Size() int64 {
	return me.info.TotalLength()
}

func (me *MetaInfoData) PieceSize() int64 {
	return me.info.PieceLength
}

func (me *MetaInfoData) HashForPiece(index int) (ret [sha1.Size]byte) {
	copy(ret[:], me.info.Pieces[index*sha1.Size:])
	return
}

func (me *MetaInfoData) InfoHash() [sha1.Size]byte {
	return me.infoHash
}

func (me *MetaInfoData) Name() string {
	return me.info.BestName()
}

// Announce URLs from every tier, in order.
func (me *MetaInfoData) Trackers() []string {
	return me.trackers
}

// DataFiles returns the paths of the torrent's files in order, for data stored under root. A
// single-file torrent's data is root itself.
func (me *MetaInfoData) DataFiles(root string) (ret []string) {
	if !me.info.IsDir() {
		return []string{root}
	}
	for _, fi := range me.info.UpvertedFiles() {
		ret = append(ret, filepath.Join(append([]string{root}, fi.BestPath()...)...))
	}
	return
}
