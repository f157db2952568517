/*
Package torrent tracks the download of a torrent's data from peers: which chunks of which pieces
have been requested and received, which piece to request next, and whether completed pieces match
their hashes.

Simple example:

	md, _ := torrent.LoadMetaData("some.torrent")
	pm := torrent.NewPieceManager(md, torrent.NewDefaultClientConfig().PieceManagerOpts())
	if i, ok := pm.IncompletePiece(peerBitField); ok {
		pm.RequestChunk(i, 0)
	}
	// Later, when the peer delivers the chunk:
	pm.ReceiveChunk(i, 0, payload)

Peers are discovered with the tracker package.
*/
package torrent
