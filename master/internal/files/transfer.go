package files

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/pkg/model"
	"github.com/determined-ai/vine/master/pkg/vproto"
)

// PlanTransfer chooses a source for moving name to dest and marks the replica as transferring.
// A peer already holding the file is preferred over the file's origin; among peers, the one
// serving the fewest transfers wins. peers maps each connected worker to its transfer address.
// If the last attempt used the same source, the transfer resumes at the offset it reached.
func (c *Catalog) PlanTransfer(
	name string, dest model.WorkerID, peers map[model.WorkerID]string,
) (vproto.Transfer, error) {
	f, ok := c.Get(name)
	if !ok {
		return vproto.Transfer{}, errors.Wrap(ErrUnknownFile, name)
	}
	r := c.replicaOf(f, dest)
	if r.state != model.ReplicaAbsent {
		return vproto.Transfer{}, errors.Errorf("%s is already %s on %s", name, r.state, dest)
	}

	src, err := c.chooseSource(f, dest, r, peers)
	if err != nil {
		return vproto.Transfer{}, err
	}
	offset := int64(0)
	if src == r.source && f.Kind != model.DirectoryFile {
		offset = r.offset
	}

	r.state = model.ReplicaTransferring
	r.source = src
	if src.Type == vproto.SourcePeer {
		c.outgoing[src.Peer]++
	}
	return vproto.Transfer{
		File:   f.Name,
		Kind:   f.Kind,
		Scope:  f.Scope,
		Size:   f.Size,
		Source: src,
		Offset: offset,
	}, nil
}

func (c *Catalog) chooseSource(
	f *File, dest model.WorkerID, r *replica, peers map[model.WorkerID]string,
) (vproto.TransferSource, error) {
	if c.opts.PeerTransfers || !f.HasOrigin() {
		var best model.WorkerID
		for _, holder := range c.Holders(f.Name) {
			addr := peers[holder]
			switch {
			case holder == dest, addr == "", r.badPeers.Contains(holder):
				continue
			case c.opts.MaxPeerTransfers > 0 && c.outgoing[holder] >= c.opts.MaxPeerTransfers:
				continue
			case best == "" || c.outgoing[holder] < c.outgoing[best]:
				best = holder
			}
		}
		if best != "" {
			return vproto.TransferSource{
				Type: vproto.SourcePeer,
				Peer: best,
				URL:  fmt.Sprintf("http://%s%s", peers[best], vproto.FileURL(f.Name)),
			}, nil
		}
	}

	switch f.Kind {
	case model.URLFile:
		return vproto.TransferSource{Type: vproto.SourceURL, URL: f.Source}, nil
	case model.RegularFile, model.DirectoryFile, model.BufferFile:
		return vproto.TransferSource{Type: vproto.SourceManager, URL: vproto.FileURL(f.Name)}, nil
	}

	// A temp file whose usable holders are all at their limit can wait for a free peer.
	for _, h := range c.Holders(f.Name) {
		if h != dest && peers[h] != "" && !r.badPeers.Contains(h) {
			return vproto.TransferSource{}, errors.Wrapf(errBusy, "%s", f.Name)
		}
	}
	return vproto.TransferSource{}, errors.Wrapf(ErrNoSource, "%s has no remaining replica", f.Name)
}

// errBusy is returned when every peer able to serve a file is at its transfer limit.
var errBusy = errors.New("all sources busy")

// IsBusy reports whether err means the transfer should simply be planned again later.
func IsBusy(err error) bool {
	return errors.Is(err, errBusy)
}
