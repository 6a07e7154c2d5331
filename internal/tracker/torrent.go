package tracker

// Torrent carries the per-announce state a Tracker needs: byte counters
// and the identity triple (info hash, peer id, port).
type Torrent struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
}
