package session

import (
	"net"
	"time"

	"github.com/fetchd/engine/internal/apperr"
	"github.com/fetchd/engine/internal/bencode"
	"github.com/fetchd/engine/internal/bittorrent/acceptor"
	"github.com/fetchd/engine/internal/bittorrent/addrlist"
	"github.com/fetchd/engine/internal/bittorrent/announcer"
	"github.com/fetchd/engine/internal/bittorrent/bitfield"
	"github.com/fetchd/engine/internal/bittorrent/dht"
	"github.com/fetchd/engine/internal/bittorrent/handshaker"
	"github.com/fetchd/engine/internal/bittorrent/infodownloader"
	"github.com/fetchd/engine/internal/bittorrent/peer"
	"github.com/fetchd/engine/internal/bittorrent/peerconn"
	"github.com/fetchd/engine/internal/bittorrent/peerprotocol"
	"github.com/fetchd/engine/internal/bittorrent/pex"
	"github.com/fetchd/engine/internal/bittorrent/piecedownloader"
	"github.com/fetchd/engine/internal/bittorrent/piecepicker"
	"github.com/fetchd/engine/internal/bittorrent/piecewriter"
	"github.com/fetchd/engine/internal/bittorrent/resumer"
	bstorage "github.com/fetchd/engine/internal/bittorrent/storage"
	"github.com/fetchd/engine/internal/logger"
	"github.com/fetchd/engine/internal/metainfo"
	"github.com/fetchd/engine/internal/tracker"
)

// banScoreHashMismatch is how much a peer's BanScore increases for
// sending a piece that fails its SHA1 check (spec §4.4 step 5,
// "penalise the source peer"). maxBanScore is the threshold at which
// the peer is disconnected outright rather than merely deprioritized.
const (
	banScoreHashMismatch = 10
	maxBanScore          = 30
)

// run is the torrent's single-owner event loop; every field access on
// Torrent outside this goroutine must go through a channel.
func (t *Torrent) run() {
	for {
		select {
		case doneC := <-t.closeC:
			t.doStop()
			close(doneC)
			return
		case <-t.startCommandC:
			t.doStart()
		case <-t.stopCommandC:
			t.doStop()
		case <-t.announcersStoppedC:
			t.status = Stopped
			t.log.Infoln("torrent stopped")
		case respC := <-t.statsCommandC:
			respC <- t.snapshotStats()
		case respC := <-t.infoCommandC:
			respC <- t.info
		case respC := <-t.peersCommandC:
			addrs := make([]string, 0, len(t.peers))
			for pe := range t.peers {
				addrs = append(addrs, pe.Addr().String())
			}
			respC <- addrs
		case req := <-t.announcerRequestC:
			resp := announcer.Response{Torrent: t.announcerTorrent()}
			select {
			case req.Response <- resp:
			case <-req.Cancel:
			}
		case res := <-t.announceResultC:
			t.handleAnnounceResult(res)
		case addrs := <-t.addrsFromTrackers:
			t.handleNewPeers(addrs, addrlist.Tracker)
		case addrs := <-t.dhtPeersC:
			t.handleNewPeers(addrs, addrlist.DHT)
		case addrs := <-t.lpdPeersC:
			t.handleNewPeers(addrs, addrlist.LPD)
		case conn := <-t.acceptConnC():
			t.handleIncomingConn(conn)
		case res := <-t.incomingResultC:
			t.handleIncomingHandshake(res)
		case res := <-t.outgoingResultC:
			t.handleOutgoingHandshake(res)
		case pe := <-t.peerDisconnectedC:
			t.closePeer(pe)
		case pe := <-t.peerSnubbedC:
			t.handleSnubbed(pe)
		case m := <-t.messages:
			t.handlePeerMessage(m)
		case pm := <-t.pieceMessages:
			t.handlePieceMessage(pm)
		case res := <-t.pieceWriterResultC:
			t.handlePieceWritten(res)
		case <-t.unchokeTickerC():
			t.tickUnchoke()
		case <-t.optimisticUnchokeTickerC():
			t.tickOptimisticUnchoke()
		case <-t.speedTickerC():
			t.tickSpeed()
		case <-t.bitfieldWriteTimerC():
			t.writeBitfield(true)
		case <-t.statsWriteTickerC():
			t.writeStats()
		}
	}
}

func (t *Torrent) acceptConnC() <-chan net.Conn {
	if t.acceptor == nil {
		return nil
	}
	return t.acceptor.ConnC
}

func (t *Torrent) unchokeTickerC() <-chan time.Time {
	if t.unchokeTicker == nil {
		return nil
	}
	return t.unchokeTicker.C
}

func (t *Torrent) optimisticUnchokeTickerC() <-chan time.Time {
	if t.optimisticUnchokeTicker == nil {
		return nil
	}
	return t.optimisticUnchokeTicker.C
}

func (t *Torrent) speedTickerC() <-chan time.Time {
	if t.speedTicker == nil {
		return nil
	}
	return t.speedTicker.C
}

func (t *Torrent) bitfieldWriteTimerC() <-chan time.Time {
	if t.bitfieldWriteTimer == nil {
		return nil
	}
	return t.bitfieldWriteTimer.C
}

func (t *Torrent) statsWriteTickerC() <-chan time.Time {
	if t.statsWriteTicker == nil {
		return nil
	}
	return t.statsWriteTicker.C
}

func (t *Torrent) doStart() {
	if t.status != Stopped {
		return
	}
	t.status = Starting
	t.log.Infoln("starting torrent")

	a, err := acceptor.New("0.0.0.0", t.port)
	if err != nil {
		t.log.Errorf("cannot listen on port %d: %v", t.port, err)
	} else {
		t.acceptor = a
	}

	for _, tr := range t.trackers {
		an := announcer.New(tr, t.announcerRequestC, t.cfg.TrackerAnnounceInterval)
		t.announcers = append(t.announcers, an)
		go an.Run(t.announceResultC, tracker.EventStarted)
	}

	if t.cfg.DHTEnabled && t.dhtNode != nil && (t.info == nil || t.info.Private != 1) {
		t.dhtAnnouncer = dht.NewAnnouncer(t.dhtNode, t.infoHash[:], t.port, 5*time.Minute)
		go t.pumpDHT()
	}

	t.unchokeTicker = time.NewTicker(10 * time.Second)
	t.optimisticUnchokeTicker = time.NewTicker(30 * time.Second)
	t.speedTicker = time.NewTicker(time.Second)
	t.statsWriteTicker = time.NewTicker(t.cfg.StatsWriteInterval)

	t.status = Downloading
	if t.bitfield != nil && t.bitfield.All() {
		t.status = Seeding
		t.completed = true
	}
	t.publish("torrent:started", map[string]interface{}{"id": t.id})
}

func (t *Torrent) pumpDHT() {
	for addrs := range t.dhtAnnouncer.PeersC {
		t.dhtPeersC <- addrs
	}
}

func (t *Torrent) doStop() {
	if t.status == Stopped || t.status == Stopping {
		return
	}
	t.status = Stopping
	t.log.Infoln("stopping torrent")

	if t.acceptor != nil {
		t.acceptor.Close()
		t.acceptor = nil
	}
	if t.dhtAnnouncer != nil {
		t.dhtAnnouncer.Close()
		t.dhtAnnouncer = nil
	}
	for _, an := range t.announcers {
		an.Close()
	}
	for pe := range t.peers {
		pe.Close()
	}
	t.peers = make(map[*peer.Peer]struct{})
	t.incomingPeers = make(map[*peer.Peer]struct{})
	t.outgoingPeers = make(map[*peer.Peer]struct{})

	if len(t.announcers) > 0 {
		t.stopAnnouncer = announcer.NewStopAnnouncer(t.trackers, t.announcerTorrent(), 5*time.Second)
		go func() {
			<-t.stopAnnouncer.DoneC
			t.announcersStoppedC <- struct{}{}
		}()
	} else {
		t.status = Stopped
	}
	t.publish("torrent:stopped", map[string]interface{}{"id": t.id})
}

func (t *Torrent) announcerTorrent() *tracker.Torrent {
	var left int64
	if t.info != nil {
		left = t.info.Length - t.bytesDown
		if left < 0 {
			left = 0
		}
	}
	return &tracker.Torrent{
		InfoHash:        t.infoHash,
		PeerID:          t.peerID,
		Port:            t.port,
		BytesDownloaded: t.bytesDown,
		BytesUploaded:   t.bytesUp,
		BytesLeft:       left,
	}
}

func (t *Torrent) handleAnnounceResult(res announcer.AnnounceResult) {
	if res.Err != nil || res.Response == nil {
		return
	}
	select {
	case t.addrsFromTrackers <- res.Response.Peers:
	case <-time.After(time.Second):
	}
}

func (t *Torrent) handleNewPeers(addrs []*net.TCPAddr, source addrlist.Source) {
	if t.status == Stopped || t.status == Stopping || t.completed {
		return
	}
	t.addrList.Push(addrs, source)
	if t.pexTracker != nil {
		t.pexTracker.AddAddrs(addrs)
	}
	t.dialAddresses()
}

func (t *Torrent) dialAddresses() {
	if t.completed {
		return
	}
	for len(t.outgoingPeers)+len(t.outgoingHandshakers) < t.cfg.MaxPeerDial {
		addr := t.addrList.Pop()
		if addr == nil {
			return
		}
		ip := addr.IP.String()
		if _, ok := t.connectedIPs[ip]; ok {
			continue
		}
		h := handshaker.NewOutgoing(addr)
		t.outgoingHandshakers[h] = struct{}{}
		t.connectedIPs[ip] = struct{}{}
		go h.Run(t.cfg.PeerConnectTimeout, t.cfg.PeerHandshakeTimeout, t.peerID, t.infoHash, t.outgoingResultC)
	}
}

func (t *Torrent) handleIncomingConn(conn net.Conn) {
	if len(t.incomingHandshakers)+len(t.incomingPeers) >= t.cfg.MaxPeerAccept {
		conn.Close()
		return
	}
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return
	}
	ip := tcpAddr.IP.String()
	if _, ok := t.connectedIPs[ip]; ok {
		conn.Close()
		return
	}
	h := handshaker.NewIncoming(conn)
	t.incomingHandshakers[h] = struct{}{}
	t.connectedIPs[ip] = struct{}{}
	go h.Run(t.peerID, func(ih [20]byte) bool { return ih == t.infoHash }, t.cfg.PeerHandshakeTimeout, t.incomingResultC)
}

func (t *Torrent) handleIncomingHandshake(res handshaker.IncomingResult) {
	for h := range t.incomingHandshakers {
		if h.Conn == res.Conn {
			delete(t.incomingHandshakers, h)
			break
		}
	}
	if res.Error != nil {
		if tcpAddr, ok := res.Conn.RemoteAddr().(*net.TCPAddr); ok {
			delete(t.connectedIPs, tcpAddr.IP.String())
		}
		return
	}
	pc := peerconn.New(res.Conn, res.PeerID, res.Reserved, logger.New("peer "+res.Conn.RemoteAddr().String()), t.cfg.RequestTimeout)
	t.startPeer(pc, t.incomingPeers)
}

func (t *Torrent) handleOutgoingHandshake(res handshaker.OutgoingResult) {
	if h := findOutgoing(t.outgoingHandshakers, res); h != nil {
		delete(t.outgoingHandshakers, h)
	}
	if res.Error != nil {
		delete(t.connectedIPs, res.Addr.IP.String())
		t.dialAddresses()
		return
	}
	pc := peerconn.New(res.Conn, res.PeerID, res.Reserved, logger.New("peer "+res.Addr.String()), t.cfg.RequestTimeout)
	t.startPeer(pc, t.outgoingPeers)
}

func findOutgoing(m map[*handshaker.Outgoing]struct{}, res handshaker.OutgoingResult) *handshaker.Outgoing {
	for h := range m {
		if h.Addr == res.Addr {
			return h
		}
	}
	return nil
}

func (t *Torrent) startPeer(pc *peerconn.Conn, bucket map[*peer.Peer]struct{}) {
	if _, ok := t.peerIDs[pc.ID()]; ok {
		pc.Close()
		return
	}
	t.peerIDs[pc.ID()] = struct{}{}
	pe := peer.New(pc, t.cfg.RequestTimeout)
	t.peers[pe] = struct{}{}
	bucket[pe] = struct{}{}
	go pe.Run(t.messages, t.pieceMessages, t.peerSnubbedC, t.peerDisconnectedC)
	t.sendFirstMessage(pe)
	if len(t.peers) <= 4 {
		t.unchokePeer(pe)
	}
}

func (t *Torrent) sendFirstMessage(pe *peer.Peer) {
	if t.bitfield != nil {
		switch {
		case pe.FastExtension && t.bitfield.All():
			pe.SendMessage(peerprotocol.HaveAllMessage{})
		case pe.FastExtension && t.bitfield.Count() == 0:
			pe.SendMessage(peerprotocol.HaveNoneMessage{})
		default:
			data := make([]byte, len(t.bitfield.Bytes()))
			copy(data, t.bitfield.Bytes())
			pe.SendMessage(peerprotocol.BitfieldMessage{Data: data})
		}
	}
	var metadataSize uint32
	if t.info != nil {
		metadataSize = uint32(len(t.info.Bytes))
	}
	hs := peerprotocol.NewExtensionHandshake(metadataSize, t.cfg.ClientVersion, pe.Addr())
	payload, err := bencode.Marshal(hs)
	if err != nil {
		t.log.Errorf("cannot marshal extension handshake: %v", err)
		return
	}
	pe.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: peerprotocol.ExtensionIDHandshake, Payload: rawPayload(payload)})
}

func (t *Torrent) closePeer(pe *peer.Peer) {
	pe.Close()
	if pd, ok := t.pieceDownloaders[pe]; ok {
		delete(t.pieceDownloaders, pe)
		t.stopPieceDownloaderFor(pe)
		if t.piecePicker != nil {
			t.piecePicker.HandleCancelDownload(pe, pd.Piece.Index)
		}
	}
	delete(t.infoDownloaders, pe)
	delete(t.peers, pe)
	delete(t.incomingPeers, pe)
	delete(t.outgoingPeers, pe)
	delete(t.peersSnubbed, pe)
	delete(t.peerIDs, pe.ID())
	if addr := pe.Addr(); addr != nil {
		delete(t.connectedIPs, addr.IP.String())
	}
	if t.piecePicker != nil {
		t.piecePicker.HandleDisconnect(pe)
	}
	t.dialAddresses()
}

// penalizePeer raises pe's BanScore by delta and disconnects it once
// the score crosses maxBanScore, matching the teacher's own
// connection-drop-on-misbehavior approach elsewhere in closePeer.
func (t *Torrent) penalizePeer(pe *peer.Peer, delta int) {
	pe.BanScore += delta
	if pe.BanScore >= maxBanScore {
		t.log.Warningf("peer %s exceeded ban score, disconnecting", pe.Addr())
		t.closePeer(pe)
	}
}

func (t *Torrent) handleSnubbed(pe *peer.Peer) {
	pe.Snubbed = true
	t.peersSnubbed[pe] = struct{}{}
	if pd, ok := t.pieceDownloaders[pe]; ok && t.piecePicker != nil {
		t.piecePicker.HandleSnubbed(pe, pd.Piece.Index)
	}
}

func (t *Torrent) handlePeerMessage(m peer.Message) {
	pe := m.Peer
	switch msg := m.Message.(type) {
	case peerprotocol.ChokeMessage:
		pe.PeerChoking = true
	case peerprotocol.UnchokeMessage:
		pe.PeerChoking = false
		t.startPieceDownloaderFor(pe)
	case peerprotocol.InterestedMessage:
		pe.PeerInterested = true
	case peerprotocol.NotInterestedMessage:
		pe.PeerInterested = false
	case peerprotocol.HaveMessage:
		if t.piecePicker != nil {
			t.piecePicker.HandleHave(pe, msg.Index)
			t.updateInterest(pe)
			t.startPieceDownloaderFor(pe)
		}
	case peerprotocol.HaveAllMessage:
		if t.info != nil && t.piecePicker != nil {
			bf := bitfield.New(t.info.NumPieces)
			for i := uint32(0); i < t.info.NumPieces; i++ {
				bf.Set(i)
			}
			pe.Bitfield = bf
			t.piecePicker.HandlePeerBitfield(pe, bf)
			t.updateInterest(pe)
			t.startPieceDownloaderFor(pe)
		}
	case peerprotocol.HaveNoneMessage:
		if t.info != nil {
			pe.Bitfield = bitfield.New(t.info.NumPieces)
		}
	case peerprotocol.BitfieldMessage:
		if t.info != nil && t.piecePicker != nil {
			bf, err := bitfield.NewBytes(msg.Data, t.info.NumPieces)
			if err != nil {
				pe.Close()
				return
			}
			pe.Bitfield = bf
			t.piecePicker.HandlePeerBitfield(pe, bf)
			t.updateInterest(pe)
			t.startPieceDownloaderFor(pe)
		}
	case peerprotocol.RequestMessage:
		t.handleRequest(pe, msg)
	case peerprotocol.CancelMessage:
		// Best-effort; outbound piece sends aren't queued separately.
	case peerprotocol.RejectMessage:
		if pd, ok := t.pieceDownloaders[pe]; ok {
			pd.RejectC <- msg
		}
	case peerprotocol.ExtensionMessage:
		t.handleExtensionMessage(pe, msg)
	}
}

func (t *Torrent) handlePieceMessage(pm peer.PieceMessage) {
	pd, ok := t.pieceDownloaders[pm.Peer]
	if !ok {
		return
	}
	select {
	case pd.PieceC <- pm.Block:
	case <-time.After(t.cfg.RequestTimeout):
	}
}

func (t *Torrent) updateInterest(pe *peer.Peer) {
	if t.bitfield == nil || pe.Bitfield == nil {
		return
	}
	interesting := false
	for i := uint32(0); i < pe.Bitfield.Len(); i++ {
		if pe.Bitfield.Test(i) && !t.bitfield.Test(i) {
			interesting = true
			break
		}
	}
	if interesting && !pe.AmInterested {
		pe.AmInterested = true
		pe.SendMessage(peerprotocol.InterestedMessage{})
	} else if !interesting && pe.AmInterested {
		pe.AmInterested = false
		pe.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

func (t *Torrent) startPieceDownloaderFor(pe *peer.Peer) {
	if t.piecePicker == nil || pe.PeerChoking || !pe.AmInterested {
		return
	}
	if _, busy := t.pieceDownloaders[pe]; busy {
		return
	}
	inflight := make(map[uint32]struct{}, len(t.pieceDownloaders))
	for _, pd := range t.pieceDownloaders {
		inflight[pd.Piece.Index] = struct{}{}
	}
	index, ok := t.piecePicker.PickFor(pe, inflight)
	if !ok {
		return
	}
	pl := t.info.PieceLengthAt(index)
	pi := piecedownloader.NewPiece(index, uint32(pl))
	pd := piecedownloader.New(pi, pe)
	cancelC := make(chan struct{})
	t.pieceDownloaders[pe] = pd
	t.pieceDownloaderCancelC[pe] = cancelC
	pe.Downloading = true
	go t.runPieceDownloader(pd, cancelC)
}

// stopPieceDownloaderFor signals pe's running piece downloader (if any) to
// stop, canceling any blocks it still has outstanding with the remote peer
// (spec §4.4 step 4, "cancel is issued to others upon arrival" in endgame).
// Must only be called from the Torrent's own goroutine, and at most once per
// cancelC — the caller is responsible for removing pe's map entries first.
func (t *Torrent) stopPieceDownloaderFor(pe *peer.Peer) {
	if cancelC, ok := t.pieceDownloaderCancelC[pe]; ok {
		delete(t.pieceDownloaderCancelC, pe)
		close(cancelC)
	}
}

func (t *Torrent) runPieceDownloader(pd *piecedownloader.PieceDownloader, cancelC <-chan struct{}) {
	stopC := make(chan struct{})
	go pd.Run(stopC)
	select {
	case data := <-pd.DoneC:
		close(stopC)
		t.submitPieceWrite(pd.Piece.Index, data, pd.Peer)
	case err := <-pd.ErrC:
		close(stopC)
		t.log.Debugf("piece downloader error: %v", err)
		pd.Peer.Close()
	case <-cancelC:
		close(stopC)
		pd.CancelPending()
	}
}

func (t *Torrent) submitPieceWrite(index uint32, data []byte, source *peer.Peer) {
	t.piecesWriting[index] = struct{}{}
	offset := t.pieceOffset(index)
	var hash [20]byte
	copy(hash[:], t.info.Pieces[index*20:index*20+20])
	job := piecewriter.Job{Index: index, Length: int64(len(data)), Offset: offset, Data: data, ExpectHash: hash, Files: t.files, Source: source}
	go piecewriter.Run(job, t.pieceWriterResultC)
}

func (t *Torrent) pieceOffset(index uint32) int64 {
	return int64(index) * t.info.PieceLength
}

func (t *Torrent) handlePieceWritten(res piecewriter.Result) {
	delete(t.piecesWriting, res.Job.Index)
	// In endgame more than one peer can be assigned this index at once;
	// clear every one of them here, not just the one that produced res,
	// and tell the stragglers' downloaders to cancel their outstanding
	// block requests rather than leave them running to no purpose.
	for pe, pd := range t.pieceDownloaders {
		if pd.Piece.Index == res.Job.Index {
			delete(t.pieceDownloaders, pe)
			pe.Downloading = false
			t.stopPieceDownloaderFor(pe)
			if t.piecePicker != nil {
				t.piecePicker.HandleCancelDownload(pe, pd.Piece.Index)
			}
		}
	}
	if res.Error != nil {
		t.log.Errorf("piece %d failed: %v", res.Job.Index, res.Error)
		if apperr.Is(res.Error, apperr.HashMismatch) && res.Job.Source != nil {
			t.penalizePeer(res.Job.Source, banScoreHashMismatch)
		}
		// The piece was never marked as had (t.bitfield.Set happens only
		// on success below), so it's still eligible for PickFor; give
		// every connected peer a chance to pick it back up instead of
		// waiting for an unrelated Have/Bitfield/Unchoke event to
		// happen to trigger a re-request.
		for pe := range t.peers {
			t.startPieceDownloaderFor(pe)
		}
		return
	}
	t.bytesDown += res.Job.Length
	t.bitfield.Set(res.Job.Index)
	for pe := range t.peers {
		t.updateInterest(pe)
		if t.piecePicker != nil && t.piecePicker.DoesHave(pe, res.Job.Index) {
			continue
		}
		pe.SendMessage(peerprotocol.HaveMessage{Index: res.Job.Index})
	}
	t.deferWriteBitfield()
	t.checkCompletion()
	for pe := range t.peers {
		t.startPieceDownloaderFor(pe)
	}
}

func (t *Torrent) checkCompletion() {
	if t.completed || t.bitfield == nil || !t.bitfield.All() {
		return
	}
	t.completed = true
	t.status = Seeding
	t.log.Infoln("download completed")
	t.writeBitfield(true)
	t.addrList.Reset()
	t.publish("torrent:completed", map[string]interface{}{"id": t.id})
}

func (t *Torrent) handleRequest(pe *peer.Peer, msg peerprotocol.RequestMessage) {
	if pe.AmChoking || t.bitfield == nil || !t.bitfield.Test(msg.Index) {
		return
	}
	data := make([]byte, msg.Length)
	offset := t.pieceOffset(msg.Index) + int64(msg.Begin)
	if _, err := readAcrossFiles(t.files, offset, data); err != nil {
		return
	}
	pe.BytesUploadedInChokePeriod += int64(len(data))
	pe.UploadSpeed.Update(int64(len(data)))
	t.bytesUp += int64(len(data))
	pe.SendMessage(peerprotocol.PieceMessage{Index: msg.Index, Begin: msg.Begin, Data: data})
}

func readAcrossFiles(files []bstorage.File, offset int64, out []byte) (int, error) {
	var cum int64
	remaining := out
	for _, f := range files {
		size := f.Size()
		if offset >= cum+size {
			cum += size
			continue
		}
		fileOffset := offset - cum
		n := size - fileOffset
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		if _, err := f.ReadAt(remaining[:n], fileOffset); err != nil {
			return 0, apperr.Wrap(apperr.File, false, "read piece from disk", err)
		}
		remaining = remaining[n:]
		offset += n
		cum += size
		if len(remaining) == 0 {
			break
		}
	}
	return len(out) - len(remaining), nil
}

// rawPayload lets us hand already-marshaled bencode bytes to
// peerprotocol.WriteMessage, which marshals ExtensionMessage.Payload
// with bencode.Marshal; bencode.RawMessage passes through unmarshaled.
func rawPayload(b []byte) bencode.RawMessage { return bencode.RawMessage(b) }

func (t *Torrent) handleExtensionMessage(pe *peer.Peer, msg peerprotocol.ExtensionMessage) {
	raw, ok := msg.Payload.(bencode.RawMessage)
	if !ok {
		return
	}
	if msg.ExtendedMessageID == peerprotocol.ExtensionIDHandshake {
		var hs peerprotocol.ExtensionHandshakeMessage
		if err := bencode.Unmarshal(raw, &hs); err != nil {
			pe.Close()
			return
		}
		pe.ExtensionHandshake = &hs
		if t.info == nil {
			t.startInfoDownloaderFor(pe)
		}
		return
	}

	switch extensionName(pe, msg.ExtendedMessageID) {
	case peerprotocol.ExtensionKeyMetadata:
		var m peerprotocol.ExtensionMetadataMessage
		rest, err := bencode.UnmarshalPrefix(raw, &m)
		if err != nil {
			pe.Close()
			return
		}
		t.handleMetadataMessage(pe, m, rest)
	case peerprotocol.ExtensionKeyPEX:
		if t.pexTracker == nil {
			return
		}
		var m peerprotocol.ExtensionPEXMessage
		if err := bencode.Unmarshal(raw, &m); err != nil {
			return
		}
		t.handleNewPeers(pex.DecodeAddrs(m.Added), addrlist.PEX)
	}
}

func extensionName(pe *peer.Peer, id byte) string {
	if pe.ExtensionHandshake == nil {
		return ""
	}
	for name, v := range pe.ExtensionHandshake.M {
		if v == id {
			return name
		}
	}
	return ""
}

func (t *Torrent) handleMetadataMessage(pe *peer.Peer, msg peerprotocol.ExtensionMetadataMessage, block []byte) {
	if t.info != nil || msg.Type != peerprotocol.ExtensionMetadataMessageTypeData {
		return
	}
	id, ok := t.infoDownloaders[pe]
	if !ok {
		return
	}
	if err := id.GotBlock(msg.Piece, block); err != nil {
		pe.Close()
		return
	}
	if id.Done() {
		t.finishMetadata(id.Bytes)
	}
}

func (t *Torrent) startInfoDownloaderFor(pe *peer.Peer) {
	if pe.ExtensionHandshake == nil || pe.ExtensionHandshake.MetadataSize == 0 {
		return
	}
	if _, ok := t.infoDownloaders[pe]; ok {
		return
	}
	id := infodownloader.New(pe)
	t.infoDownloaders[pe] = id
	id.RequestBlocks(4)
}

func (t *Torrent) finishMetadata(b []byte) {
	info, err := metainfo.NewInfo(b)
	if err != nil {
		t.log.Errorf("received invalid metadata: %v", err)
		return
	}
	t.info = info
	t.name = info.Name
	t.bitfield = bitfield.New(info.NumPieces)
	t.piecePicker = piecepicker.New(info.NumPieces, t.bitfield, false, t.cfg.EndgameThreshold)
	if err := t.openFiles(); err != nil {
		t.log.Errorf("cannot open files after metadata: %v", err)
		return
	}
	t.publish("torrent:metadata", map[string]interface{}{"id": t.id, "name": info.Name})
	for pe := range t.peers {
		t.updateInterest(pe)
		t.startPieceDownloaderFor(pe)
	}
}

func (t *Torrent) snapshotStats() Stats {
	var total, completed int64
	if t.info != nil {
		total = t.info.Length
	}
	if t.bitfield != nil && t.info != nil && t.info.NumPieces > 0 {
		completed = int64(t.bitfield.Count()) * total / int64(t.info.NumPieces)
	}
	return Stats{
		Status:          t.status,
		BytesDownloaded: t.bytesDown,
		BytesUploaded:   t.bytesUp,
		BytesTotal:      total,
		BytesCompleted:  completed,
		Peers:           len(t.peers),
	}
}

func (t *Torrent) deferWriteBitfield() {
	if t.bitfieldWriteTimer == nil {
		t.bitfieldWriteTimer = time.NewTimer(t.cfg.BitfieldWriteInterval)
	}
}

func (t *Torrent) writeBitfield(reset bool) {
	if t.resume == nil || t.bitfield == nil {
		return
	}
	if err := t.resume.WriteBitfield(t.bitfield.Bytes()); err != nil {
		t.log.Errorf("cannot write bitfield to resume db: %v", err)
	}
	if reset {
		t.bitfieldWriteTimer = nil
	}
}

func (t *Torrent) writeStats() {
	if t.resume == nil {
		return
	}
	stats := resumer.Stats{BytesDownloaded: t.bytesDown, BytesUploaded: t.bytesUp}
	if err := t.resume.WriteStats(stats); err != nil {
		t.log.Errorf("cannot write stats to resume db: %v", err)
	}
}

func (t *Torrent) tickSpeed() {
	t.downloadSpeed.Update(t.bytesDown)
	t.uploadSpeed.Update(t.bytesUp)
	t.downloadSpeed.Tick()
	t.uploadSpeed.Tick()
	for pe := range t.peers {
		pe.TickRates()
	}
}
