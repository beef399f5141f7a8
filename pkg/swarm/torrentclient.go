package swarm

import (
	"bytes"
	"context"
	"io"

	"github.com/anacrolix/torrent"
	tmetainfo "github.com/anacrolix/torrent/metainfo"

	"github.com/kotormodsync/dcc/pkg/dcerrors"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// torrentClient wraps *anacrolix/torrent.Client to satisfy Client, the
// production embedding referenced by §6's "mainstream peer-to-peer swarm
// protocol" contract.
type torrentClient struct {
	cli *torrent.Client
}

// NewTorrentClient configures and starts an anacrolix/torrent client
// listening on port, with uploading/seeding enabled.
func NewTorrentClient(dataDir string, port int) (Client, error) {
	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = dataDir
	cfg.Seed = true
	cfg.ListenPort = port
	cfg.NoDHT = false

	cli, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, dcerrors.NewIoError(dataDir, err)
	}
	return &torrentClient{cli: cli}, nil
}

func (t *torrentClient) Join(ctx context.Context, descriptorBytes []byte, dataDir string) (TorrentHandle, error) {
	mi, err := tmetainfo.Load(bytesReader(descriptorBytes))
	if err != nil {
		return nil, dcerrors.NewInvalidCanonicalForm("descriptor is not a valid torrent metainfo: " + err.Error())
	}

	tt, err := t.cli.AddTorrent(mi)
	if err != nil {
		return nil, dcerrors.NewIoError(dataDir, err)
	}

	select {
	case <-tt.GotInfo():
	case <-ctx.Done():
		tt.Drop()
		return nil, dcerrors.NewCanceled()
	}

	tt.DownloadAll()
	return &torrentHandle{t: tt}, nil
}

func (t *torrentClient) ListenAddrs() []string {
	addrs := t.cli.ListenAddrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (t *torrentClient) Close() error {
	errs := t.cli.Close()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// torrentHandle adapts *torrent.Torrent to TorrentHandle.
type torrentHandle struct {
	t *torrent.Torrent
}

func (h *torrentHandle) BytesCompleted() int64 { return h.t.BytesCompleted() }
func (h *torrentHandle) Length() int64         { return h.t.Length() }

func (h *torrentHandle) Peers() []PeerStats {
	conns := h.t.PeerConns()
	out := make([]PeerStats, 0, len(conns))
	for _, c := range conns {
		stats := c.Stats()
		out = append(out, PeerStats{
			Addr:            c.RemoteAddr.String(),
			BytesDownloaded: stats.BytesReadData.Int64(),
			BytesUploaded:   stats.BytesWrittenData.Int64(),
		})
	}
	return out
}

func (h *torrentHandle) DropPeer(addr string) error {
	for _, c := range h.t.PeerConns() {
		if c.RemoteAddr.String() == addr {
			c.Close()
		}
	}
	return nil
}

func (h *torrentHandle) Close() error {
	h.t.Drop()
	return nil
}
