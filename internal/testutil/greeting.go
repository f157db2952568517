// Package testutil contains fixture torrents for testing piece and tracker behaviour.
//
// "greeting" is a single-file torrent of a file called "greeting" that
// contains "hello, world\n", in 5 byte pieces.
package testutil

const (
	GreetingFileContents = "hello, world\n"
	GreetingFileName     = "greeting"
)

func Greeting() *Torrent {
	return &Torrent{
		Name:        GreetingFileName,
		Data:        []byte(GreetingFileContents),
		PieceLength: 5,
	}
}

// MultiChunk returns a torrent of pseudo-random data whose pieces span several chunks, with a short
// final piece and chunk.
func MultiChunk() *Torrent {
	return &Torrent{
		Name:        "multichunk",
		Data:        RandomData(1, 3*65536+20000),
		PieceLength: 65536,
	}
}
