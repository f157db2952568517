package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	"github.com/torrent-parrot/torrent"
)

var logger = log.Default.WithNames("main")

func verifySummary(pm *torrent.PieceManager) {
	fmt.Println("----------------")
	fmt.Println(" TORRENT-VERIFY ")
	fmt.Println("----------------")
	fmt.Printf("Number of correct pieces: %d\n", pm.CompletedCount())
	fmt.Printf("Number of wrong pieces: %d\n", pm.MissingCount())
	fmt.Printf("Total size: %s\n", humanize.Bytes(uint64(pm.TorrentSize())))
	fmt.Printf("Piece states: %v\n", pm.PieceStateRuns())
}

// Feeds the data in r through pm chunk by chunk, as if it were arriving from a peer. Data missing
// at the end leaves the remaining pieces incomplete.
func feed(pm *torrent.PieceManager, r io.Reader) error {
	buf := make([]byte, torrent.ChunkSize)
	for piece := range pm.NumPieces() {
		for {
			off, err := pm.NextChunkToRequest(piece)
			if errors.Is(err, torrent.ErrChunkOutOfRange) {
				break
			}
			if err != nil {
				return err
			}
			length, err := pm.ChunkLength(piece, off)
			if err != nil {
				return err
			}
			_, err = io.ReadFull(r, buf[:length])
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Levelf(log.Warning, "data ends in piece %v", piece)
				return nil
			}
			if err != nil {
				return err
			}
			err = pm.RequestChunk(piece, off)
			if err != nil {
				return err
			}
			err = pm.ReceiveChunk(piece, off, buf[:length])
			if err != nil {
				return err
			}
			// A piece that fails its hash check starts over, so stop at its final chunk.
			if _, err := pm.ChunkLength(piece, off+length); errors.Is(err, torrent.ErrChunkOutOfRange) {
				break
			}
		}
	}
	return nil
}

func main() {
	var args struct {
		Torrent string `arg:"positional,required" help:"path of the torrent file"`
		Path    string `arg:"positional,required" help:"path of the torrent data"`
		Summary bool   `help:"display summary at the end"`
	}
	arg.MustParse(&args)
	if err := mainErr(args.Torrent, args.Path, args.Summary); err != nil {
		logger.Levelf(log.Critical, "%v", err)
		os.Exit(1)
	}
}

func mainErr(torrentPath, dataPath string, summary bool) error {
	md, err := torrent.LoadMetaData(torrentPath)
	if err != nil {
		return err
	}
	var readers []io.Reader
	for _, name := range md.DataFiles(dataPath) {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		readers = append(readers, f)
	}
	cfg := torrent.NewDefaultClientConfig()
	cfg.Logger = logger
	pm := torrent.NewPieceManager(md, cfg.PieceManagerOpts())
	err = feed(pm, io.MultiReader(readers...))
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	completed := pm.CompletedBitField()
	for piece := range pm.NumPieces() {
		fmt.Println(piece, completed.IsSet(piece))
	}
	pm.PrintStatus()
	if summary {
		verifySummary(pm)
	}
	if !pm.DownloadFinished() {
		return errors.New("data doesn't match torrent")
	}
	return nil
}
