package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"gopkg.in/validator.v2"

	"github.com/fetchd/engine/internal/apperr"
	btsession "github.com/fetchd/engine/internal/bittorrent/session"
	"github.com/fetchd/engine/internal/controller"
	"github.com/fetchd/engine/internal/magnet"
	"github.com/fetchd/engine/internal/metainfo"
)

// Methods is the closed method table (spec §4.1): every recognized
// RPC method name maps to exactly one handler here. A name absent
// from this map fails with method_not_found in dispatch().
var Methods = map[string]Handler{
	"add_download":       handleAddDownload,
	"add_urls":           handleAddURLs,
	"add_torrent_file":   handleAddTorrentFile,
	"add_magnet":         handleAddMagnet,
	"pause_download":     handlePauseDownload,
	"pause_all":          handlePauseAll,
	"resume_download":    handleResumeDownload,
	"resume_all":         handleResumeAll,
	"remove_download":    handleRemoveDownload,
	"get_download_status": handleGetDownloadStatus,
	"get_all_downloads":  handleGetAllDownloads,
	"get_active_downloads": handleGetActiveDownloads,
	"get_global_stats":   handleGetGlobalStats,
	"set_speed_limit":    handleSetSpeedLimit,
	"set_priority":       handleSetPriority,
	"parse_torrent_file": handleParseTorrentFile,
	"parse_magnet_uri":   handleParseMagnetURI,
	"get_peers":          handleGetPeers,
	"get_torrent_files":  handleGetTorrentFiles,
	"select_torrent_files": handleSelectTorrentFiles,
	"get_settings":       handleGetSettings,
	"update_settings":    handleUpdateSettings,
	"set_close_to_tray":  handleSetCloseToTray,
	"set_user_agent":     handleSetUserAgent,
	"get_tracker_list":   handleGetTrackerList,
	"update_tracker_list": handleUpdateTrackerList,
	"apply_settings_to_engine": handleApplySettingsToEngine,
	"get_user_agent_presets":  handleGetUserAgentPresets,
	"get_engine_version": handleGetEngineVersion,
	"get_default_download_path": handleGetDefaultDownloadPath,
	"get_schedule_rules": handleGetScheduleRules,
	"set_schedule_rules": handleSetScheduleRules,
	"db_get":             handleDBGet,
	"db_put":             handleDBPut,
	"db_delete":          handleDBDelete,
}

// engineVersion is the engine's own release identifier, surfaced by
// get_engine_version; bumped independently of the desktop host's
// version.
const engineVersion = "1.0.0"

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return &validationError{msg: "missing params"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &validationError{msg: "invalid params: " + err.Error()}
	}
	if err := validator.Validate(v); err != nil {
		return &validationError{msg: "invalid params: " + err.Error()}
	}
	return nil
}

type addDownloadParams struct {
	URL          string            `json:"url" validate:"nonzero"`
	Headers      map[string]string `json:"headers"`
	DestDir      string            `json:"dest_dir"`
	Checksum     string            `json:"checksum"`
	ChecksumAlgo string            `json:"checksum_algo"`
}

func handleAddDownload(s *Server, raw json.RawMessage) (interface{}, error) {
	var p addDownloadParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	destDir := p.DestDir
	if destDir == "" {
		destDir = s.Deps.Config.DownloadDir
	}
	gid, err := s.Deps.Controller.AddDownload(p.URL, p.Headers, destDir, p.Checksum, p.ChecksumAlgo)
	if err != nil {
		return nil, err
	}
	return map[string]string{"gid": gid}, nil
}

type addURLsParams struct {
	URLs    []string `json:"urls" validate:"nonzero"`
	DestDir string   `json:"dest_dir"`
}

func handleAddURLs(s *Server, raw json.RawMessage) (interface{}, error) {
	var p addURLsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	destDir := p.DestDir
	if destDir == "" {
		destDir = s.Deps.Config.DownloadDir
	}
	gids := make([]string, 0, len(p.URLs))
	for _, u := range p.URLs {
		gid, err := s.Deps.Controller.AddDownload(u, nil, destDir, "", "")
		if err != nil {
			return nil, err
		}
		gids = append(gids, gid)
	}
	return map[string]interface{}{"gids": gids}, nil
}

type addTorrentFileParams struct {
	Data    string `json:"data" validate:"nonzero"` // base64-encoded .torrent contents
	DestDir string `json:"dest_dir"`
}

func handleAddTorrentFile(s *Server, raw json.RawMessage) (interface{}, error) {
	var p addTorrentFileParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, &validationError{msg: "data is not valid base64: " + err.Error()}
	}
	destDir := p.DestDir
	if destDir == "" {
		destDir = s.Deps.Config.DownloadDir
	}
	gid, err := s.Deps.Controller.AddTorrentFile(data, destDir)
	if err != nil {
		return nil, err
	}
	return map[string]string{"gid": gid}, nil
}

type addMagnetParams struct {
	URI     string `json:"uri" validate:"nonzero"`
	DestDir string `json:"dest_dir"`
}

func handleAddMagnet(s *Server, raw json.RawMessage) (interface{}, error) {
	var p addMagnetParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	destDir := p.DestDir
	if destDir == "" {
		destDir = s.Deps.Config.DownloadDir
	}
	gid, err := s.Deps.Controller.AddMagnet(p.URI, destDir)
	if err != nil {
		return nil, err
	}
	return map[string]string{"gid": gid}, nil
}

type gidParams struct {
	GID string `json:"gid" validate:"nonzero"`
}

func handlePauseDownload(s *Server, raw json.RawMessage) (interface{}, error) {
	var p gidParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.Deps.Controller.PauseDownload(p.GID)
}

func handlePauseAll(s *Server, raw json.RawMessage) (interface{}, error) {
	s.Deps.Controller.PauseAll()
	return nil, nil
}

func handleResumeDownload(s *Server, raw json.RawMessage) (interface{}, error) {
	var p gidParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.Deps.Controller.ResumeDownload(p.GID)
}

func handleResumeAll(s *Server, raw json.RawMessage) (interface{}, error) {
	s.Deps.Controller.ResumeAll()
	return nil, nil
}

type removeDownloadParams struct {
	GID          string `json:"gid" validate:"nonzero"`
	DeleteFiles  bool   `json:"delete_files"`
}

func handleRemoveDownload(s *Server, raw json.RawMessage) (interface{}, error) {
	var p removeDownloadParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.Deps.Controller.RemoveDownload(p.GID, p.DeleteFiles)
}

func handleGetDownloadStatus(s *Server, raw json.RawMessage) (interface{}, error) {
	var p gidParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.Deps.Controller.GetStatus(p.GID)
}

func handleGetAllDownloads(s *Server, raw json.RawMessage) (interface{}, error) {
	return s.Deps.Controller.ListAll(), nil
}

func handleGetActiveDownloads(s *Server, raw json.RawMessage) (interface{}, error) {
	return s.Deps.Controller.ListActive(), nil
}

func handleGetGlobalStats(s *Server, raw json.RawMessage) (interface{}, error) {
	return s.Deps.Controller.GlobalStats(), nil
}

type setSpeedLimitParams struct {
	BytesPerSecond int    `json:"bytes_per_second"`
	GID            string `json:"gid"` // optional; empty means the global limiter
}

func handleSetSpeedLimit(s *Server, raw json.RawMessage) (interface{}, error) {
	var p setSpeedLimitParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.Deps.Controller.SetSpeedLimit(p.BytesPerSecond, p.GID)
}

type setPriorityParams struct {
	GID      string `json:"gid" validate:"nonzero"`
	Priority string `json:"priority" validate:"nonzero"`
}

func handleSetPriority(s *Server, raw json.RawMessage) (interface{}, error) {
	var p setPriorityParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.Deps.Controller.SetPriority(p.GID, controller.ParsePriority(p.Priority))
}

type parseTorrentFileParams struct {
	Data string `json:"data" validate:"nonzero"`
}

func handleParseTorrentFile(s *Server, raw json.RawMessage) (interface{}, error) {
	var p parseTorrentFileParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, &validationError{msg: "data is not valid base64: " + err.Error()}
	}
	mi, err := metainfo.New(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return torrentFileSummary(mi), nil
}

func torrentFileSummary(mi *metainfo.MetaInfo) map[string]interface{} {
	files := make([]map[string]interface{}, 0, len(mi.Info.Files))
	for _, f := range mi.Info.Files {
		files = append(files, map[string]interface{}{"path": f.Path, "length": f.Length})
	}
	return map[string]interface{}{
		"name":      mi.Info.Name,
		"infoHash":  fmt.Sprintf("%x", mi.Info.Hash),
		"length":    mi.Info.Length,
		"numPieces": mi.Info.NumPieces,
		"trackers":  mi.GetTrackers(),
		"files":     files,
	}
}

type parseMagnetURIParams struct {
	URI string `json:"uri" validate:"nonzero"`
}

func handleParseMagnetURI(s *Server, raw json.RawMessage) (interface{}, error) {
	var p parseMagnetURIParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	m, err := magnet.New(p.URI)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"infoHash": fmt.Sprintf("%x", m.InfoHash),
		"name":     m.Name,
		"trackers": m.Trackers,
		"length":   m.Length,
	}, nil
}

func handleGetPeers(s *Server, raw json.RawMessage) (interface{}, error) {
	var p gidParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	tor, err := lookupTorrent(s, p.GID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"peers": tor.PeerAddrs()}, nil
}

func handleGetTorrentFiles(s *Server, raw json.RawMessage) (interface{}, error) {
	var p gidParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	tor, err := lookupTorrent(s, p.GID)
	if err != nil {
		return nil, err
	}
	info := tor.Info()
	if info == nil {
		return map[string]interface{}{"files": []interface{}{}}, nil
	}
	files := make([]map[string]interface{}, 0, len(info.Files))
	for i, f := range info.Files {
		files = append(files, map[string]interface{}{"index": i, "path": f.Path, "length": f.Length})
	}
	return map[string]interface{}{"files": files}, nil
}

// select_torrent_files records which file indices the client wants
// downloaded. The current piece picker does not yet skip
// non-selected files' pieces (see DESIGN.md); the selection is
// persisted so a future picker revision (or a client re-querying
// get_torrent_files) can honor it, but all files are fetched in the
// meantime.
type selectTorrentFilesParams struct {
	GID     string `json:"gid" validate:"nonzero"`
	Indices []int  `json:"indices"`
}

func handleSelectTorrentFiles(s *Server, raw json.RawMessage) (interface{}, error) {
	var p selectTorrentFilesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := s.Deps.Store.PutKV("file-selection:"+p.GID, p.Indices); err != nil {
		return nil, err
	}
	return nil, nil
}

func lookupTorrent(s *Server, gid string) (*btsession.Torrent, error) {
	rec, err := s.Deps.Controller.GetStatus(gid)
	if err != nil {
		return nil, err
	}
	if rec.InfoHash == "" {
		return nil, apperr.New(apperr.NotFound, false, "not a torrent download: "+gid)
	}
	for _, tor := range s.Deps.Bittorrent.ListTorrents() {
		if fmt.Sprintf("%x", tor.InfoHash()) == rec.InfoHash {
			return tor, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, false, "torrent session not found: "+gid)
}

func handleGetSettings(s *Server, raw json.RawMessage) (interface{}, error) {
	return s.Deps.Config, nil
}

func handleUpdateSettings(s *Server, raw json.RawMessage) (interface{}, error) {
	var patch map[string]interface{}
	if err := decodeParams(raw, &patch); err != nil {
		return nil, err
	}
	if err := s.Deps.Store.PutKV("settings-patch", patch); err != nil {
		return nil, err
	}
	return nil, nil
}

type setCloseToTrayParams struct {
	CloseToTray bool `json:"close_to_tray"`
}

func handleSetCloseToTray(s *Server, raw json.RawMessage) (interface{}, error) {
	var p setCloseToTrayParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.Deps.Store.PutKV("close-to-tray", p.CloseToTray)
}

type setUserAgentParams struct {
	UserAgent string `json:"user_agent" validate:"nonzero"`
}

func handleSetUserAgent(s *Server, raw json.RawMessage) (interface{}, error) {
	var p setUserAgentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	s.Deps.Config.UserAgent = p.UserAgent
	return nil, nil
}

func handleGetTrackerList(s *Server, raw json.RawMessage) (interface{}, error) {
	var urls []string
	if err := s.Deps.Store.GetKV("tracker-list", &urls); err != nil {
		return []string{}, nil
	}
	return urls, nil
}

type updateTrackerListParams struct {
	Trackers []string `json:"trackers"`
}

func handleUpdateTrackerList(s *Server, raw json.RawMessage) (interface{}, error) {
	var p updateTrackerListParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.Deps.Store.PutKV("tracker-list", p.Trackers)
}

// apply_settings_to_engine is the host's signal that a batch of
// update_settings calls is complete and should take effect; the
// engine's mutable settings (speed limits, user agent) are already
// applied as each setter runs, so this is a no-op acknowledgement.
func handleApplySettingsToEngine(s *Server, raw json.RawMessage) (interface{}, error) {
	return nil, nil
}

func handleGetUserAgentPresets(s *Server, raw json.RawMessage) (interface{}, error) {
	return []string{
		"fetchd-engine/1.0",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)",
	}, nil
}

func handleGetEngineVersion(s *Server, raw json.RawMessage) (interface{}, error) {
	return map[string]string{"version": engineVersion}, nil
}

func handleGetDefaultDownloadPath(s *Server, raw json.RawMessage) (interface{}, error) {
	return map[string]string{"path": s.Deps.Config.DownloadDir}, nil
}

func handleGetScheduleRules(s *Server, raw json.RawMessage) (interface{}, error) {
	var rules []interface{}
	if err := s.Deps.Store.GetKV("schedule-rules", &rules); err != nil {
		return []interface{}{}, nil
	}
	return rules, nil
}

type setScheduleRulesParams struct {
	Rules []interface{} `json:"rules"`
}

func handleSetScheduleRules(s *Server, raw json.RawMessage) (interface{}, error) {
	var p setScheduleRulesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.Deps.Store.PutKV("schedule-rules", p.Rules)
}

type dbKeyParams struct {
	Key string `json:"key" validate:"nonzero"`
}

func handleDBGet(s *Server, raw json.RawMessage) (interface{}, error) {
	var p dbKeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	var v interface{}
	if err := s.Deps.Store.GetKV("db:"+p.Key, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type dbPutParams struct {
	Key   string      `json:"key" validate:"nonzero"`
	Value interface{} `json:"value"`
}

func handleDBPut(s *Server, raw json.RawMessage) (interface{}, error) {
	var p dbPutParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.Deps.Store.PutKV("db:"+p.Key, p.Value)
}

func handleDBDelete(s *Server, raw json.RawMessage) (interface{}, error) {
	var p dbKeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.Deps.Store.DeleteKV("db:" + p.Key)
}
