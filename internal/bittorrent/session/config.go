package session

import "time"

// Config collects the per-torrent tunables the event loop needs,
// built by Session from internal/config.Config/TorrentConfig.
type Config struct {
	MaxPeerDial          int
	MaxPeerAccept         int
	PeerConnectTimeout    time.Duration
	PeerHandshakeTimeout  time.Duration
	RequestTimeout        time.Duration
	UnchokedPeers         int
	OptimisticUnchokedPeers int
	EndgameThreshold      int
	MaxPendingRequests    int
	BitfieldWriteInterval time.Duration
	StatsWriteInterval    time.Duration
	PEXEnabled            bool
	DHTEnabled            bool
	LPDEnabled            bool
	ClientVersion         string
	TrackerTimeout        time.Duration
	TrackerUserAgent      string
	TrackerAnnounceInterval time.Duration
}
