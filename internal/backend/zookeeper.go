package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
	"github.com/kapetan-io/tackle/set"

	"github.com/tidewave/statestore/internal/types"
)

const (
	// znode data and every request are limited by jute.maxbuffer (1MB by
	// default) and the client buffer (1.5MB). Larger values are split into
	// chunks written one request each under the blob directory.
	zkChunkSize = 512 << 10
	// zkBlobDir holds value chunks. It is not the path escaped form of any
	// key, so Scan can tell it apart from key nodes.
	zkBlobDir = "%blobs"

	zkInline  byte = 0
	zkChunked byte = 1

	zkMaxAttempts = 5
)

type ZooKeeperOptions struct {
	Servers        []string
	Namespace      string
	User, Password string
	SessionTimeout time.Duration
	Log            *slog.Logger
}

// ZooKeeper stores each key as a child znode of the namespace. Keys are
// path escaped so the namespace stays flat and a single Children call lists
// every key. A key node holds either the value or a header naming a
// generation of immutable chunks under the blob directory. Chunks are
// written before the header, and every header mutation is a zk Multi
// guarded by the node version, which makes PutIfNotExists and WriteBatch
// atomic across processes.
type ZooKeeper struct {
	conn  *zk.Conn
	ns    string
	blobs string
	acl   []zk.ACL
	log   *slog.Logger
}

type zkLogger struct {
	log *slog.Logger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func dialZooKeeper(ctx context.Context, u *url.URL, opts Options) (*ZooKeeper, error) {
	zo := ZooKeeperOptions{
		Servers:   strings.Split(u.Host, ","),
		Namespace: u.Path,
		Log:       opts.Log,
	}
	if u.User != nil {
		zo.User = u.User.Username()
		zo.Password, _ = u.User.Password()
	}
	return NewZooKeeper(ctx, zo)
}

func NewZooKeeper(ctx context.Context, opts ZooKeeperOptions) (*ZooKeeper, error) {
	set.Default(&opts.Log, slog.Default())
	set.Default(&opts.SessionTimeout, 10*time.Second)
	if len(opts.Servers) == 0 || opts.Servers[0] == "" {
		return nil, errors.Mark(errors.New("zookeeper backend requires at least one server"), ErrInvalidURL)
	}
	ns := path.Clean("/" + opts.Namespace)
	if ns == "/" {
		return nil, errors.Mark(errors.New("zookeeper backend requires a namespace"), ErrInvalidURL)
	}

	log := opts.Log.With("backend", "zookeeper", "namespace", ns)
	conn, _, err := zk.Connect(opts.Servers, opts.SessionTimeout,
		zk.WithLogger(zkLogger{log: log}),
		zk.WithEventCallback(func(ev zk.Event) {
			if ev.Type == zk.EventSession {
				log.Debug("session event", "state", ev.State.String())
			}
		}))
	if err != nil {
		return nil, errors.Wrap(err, "zk connect")
	}

	z := &ZooKeeper{conn: conn, ns: ns, blobs: ns + "/" + zkBlobDir, log: log, acl: zk.WorldACL(zk.PermAll)}
	if opts.User != "" {
		if err := conn.AddAuth("digest", []byte(opts.User+":"+opts.Password)); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "zk auth")
		}
		z.acl = zk.DigestACL(zk.PermAll, opts.User, opts.Password)
	}

	if err := z.waitConnected(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := z.ensurePath(z.blobs); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "ensure namespace '%s'", ns)
	}
	return z, nil
}

func (z *ZooKeeper) waitConnected(ctx context.Context) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		st := z.conn.State()
		if st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "zk not connected, state=%s", st)
		case <-t.C:
		}
	}
}

func (z *ZooKeeper) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		_, err := z.conn.Create(cur, nil, 0, z.acl)
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

func (z *ZooKeeper) nodePath(key string) string {
	return z.ns + "/" + url.PathEscape(key)
}

func (z *ZooKeeper) generationPath(gen string) string {
	return z.blobs + "/" + gen
}

func chunkPath(dir string, i int) string {
	return fmt.Sprintf("%s/%06d", dir, i)
}

// zkNode is the current state of a key node
type zkNode struct {
	exists  bool
	version int32
	data    []byte
	// gen and chunks locate the value of a chunked node
	gen    string
	chunks int
}

func (z *ZooKeeper) readNode(key string) (zkNode, error) {
	data, stat, err := z.conn.Get(z.nodePath(key))
	if errors.Is(err, zk.ErrNoNode) {
		return zkNode{}, nil
	}
	if err != nil {
		return zkNode{}, err
	}
	n := zkNode{exists: true, version: stat.Version}
	if len(data) == 0 {
		return zkNode{}, types.Corruptf("zk node '%s' has no header", key)
	}
	switch data[0] {
	case zkInline:
		n.data = data[1:]
	case zkChunked:
		if len(data) < 6 {
			return zkNode{}, types.Corruptf("zk node '%s' has a short chunk header", key)
		}
		n.chunks = int(binary.BigEndian.Uint32(data[1:]))
		n.gen = string(data[5:])
	default:
		return zkNode{}, types.Corruptf("zk node '%s' has unknown header '%d'", key, data[0])
	}
	return n, nil
}

// zkStaged is a value ready to be published by writing header to the key node
type zkStaged struct {
	header []byte
	gen    string
	chunks int
}

// stage writes the chunks of a value too large for one znode under a new
// generation, one request per chunk, and returns the header naming them.
// Small values are returned inline without touching the server.
func (z *ZooKeeper) stage(value []byte) (zkStaged, error) {
	if len(value) <= zkChunkSize {
		return zkStaged{header: append([]byte{zkInline}, value...)}, nil
	}

	st := zkStaged{gen: uuid.NewString()}
	dir := z.generationPath(st.gen)
	if _, err := z.conn.Create(dir, nil, 0, z.acl); err != nil {
		return zkStaged{}, errors.Wrap(err, "create chunk generation")
	}
	for off := 0; off < len(value); off += zkChunkSize {
		chunk := value[off:min(off+zkChunkSize, len(value))]
		if _, err := z.conn.Create(chunkPath(dir, st.chunks), chunk, 0, z.acl); err != nil {
			z.dropGeneration(st.gen, st.chunks)
			return zkStaged{}, errors.Wrapf(err, "create chunk %d", st.chunks)
		}
		st.chunks++
	}
	st.header = binary.BigEndian.AppendUint32([]byte{zkChunked}, uint32(st.chunks))
	st.header = append(st.header, st.gen...)
	return st, nil
}

// dropGeneration deletes a chunk generation no header references
func (z *ZooKeeper) dropGeneration(gen string, chunks int) {
	if gen == "" {
		return
	}
	dir := z.generationPath(gen)
	for i := 0; i < chunks; i++ {
		if err := z.conn.Delete(chunkPath(dir, i), -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			z.log.Warn("deleting unreferenced chunk", "generation", gen, "chunk", i, "error", err)
		}
	}
	if err := z.conn.Delete(dir, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		z.log.Warn("deleting unreferenced chunk generation", "generation", gen, "error", err)
	}
}

// settle removes the generations which lost after a header mutation. When
// the mutation failed the header of the first staged key tells whether it
// was applied anyway, which happens when the connection drops after the
// commit. If that cannot be read the staged chunks are left in place.
// TODO: sweep generations left behind by writers that crashed before
// publishing their header.
func (z *ZooKeeper) settle(keys []string, staged []zkStaged, replaced []zkNode, err error) error {
	if err != nil {
		i := slices.IndexFunc(staged, func(st zkStaged) bool { return st.gen != "" })
		if i < 0 {
			return err
		}
		n, readErr := z.readNode(keys[i])
		if readErr != nil {
			return err
		}
		if n.gen != staged[i].gen {
			for _, st := range staged {
				z.dropGeneration(st.gen, st.chunks)
			}
			return err
		}
	}
	for _, n := range replaced {
		z.dropGeneration(n.gen, n.chunks)
	}
	return nil
}

func (z *ZooKeeper) headerOp(key string, header []byte, cur zkNode) interface{} {
	if cur.exists {
		return &zk.SetDataRequest{Path: z.nodePath(key), Data: header, Version: cur.version}
	}
	return &zk.CreateRequest{Path: z.nodePath(key), Data: header, Acl: z.acl}
}

// multi retries when the read state raced with another writer
func (z *ZooKeeper) multi(ctx context.Context, build func() ([]interface{}, error)) error {
	var err error
	for attempt := 0; attempt < zkMaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var ops []interface{}
		if ops, err = build(); err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}
		if _, err = z.conn.Multi(ops...); err == nil {
			return nil
		}
		if !errors.Is(err, zk.ErrBadVersion) && !errors.Is(err, zk.ErrNoNode) && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
		z.log.Debug("zk multi raced with another writer, retrying", "attempt", attempt, "error", err)
	}
	return err
}

// Get reads the header and then the chunks it names. A generation is never
// modified, so a read which finds a chunk missing raced with an overwrite
// and starts over from the new header.
func (z *ZooKeeper) Get(ctx context.Context, key string) ([]byte, error) {
	var err error
	for attempt := 0; attempt < zkMaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrapf(ctxErr, "get '%s'", key)
		}
		var n zkNode
		if n, err = z.readNode(key); err != nil {
			return nil, errors.Wrapf(err, "get '%s'", key)
		}
		if !n.exists {
			return nil, errors.Wrapf(ErrNotFound, "get '%s'", key)
		}
		if n.gen == "" {
			return n.data, nil
		}
		var v []byte
		if v, err = z.readChunks(n); err == nil {
			return v, nil
		}
		if !errors.Is(err, zk.ErrNoNode) {
			return nil, errors.Wrapf(err, "get '%s'", key)
		}
		z.log.Debug("zk chunk generation replaced while reading, retrying", "key", key, "generation", n.gen)
	}
	return nil, errors.Wrapf(err, "get '%s'", key)
}

func (z *ZooKeeper) readChunks(n zkNode) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, n.chunks*zkChunkSize))
	dir := z.generationPath(n.gen)
	for i := 0; i < n.chunks; i++ {
		chunk, _, err := z.conn.Get(chunkPath(dir, i))
		if err != nil {
			return nil, errors.Wrapf(err, "chunk %d", i)
		}
		buf.Write(chunk)
	}
	return buf.Bytes(), nil
}

func (z *ZooKeeper) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	v, err := z.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return sliceRange(v, offset, length)
}

func (z *ZooKeeper) Put(ctx context.Context, key string, value []byte) error {
	st, err := z.stage(value)
	if err != nil {
		return errors.Wrapf(err, "put '%s'", key)
	}
	var replaced zkNode
	err = z.multi(ctx, func() ([]interface{}, error) {
		cur, err := z.readNode(key)
		if err != nil {
			return nil, err
		}
		replaced = cur
		return []interface{}{z.headerOp(key, st.header, cur)}, nil
	})
	err = z.settle([]string{key}, []zkStaged{st}, []zkNode{replaced}, err)
	return errors.Wrapf(err, "put '%s'", key)
}

func (z *ZooKeeper) PutIfNotExists(_ context.Context, key string, value []byte) error {
	st, err := z.stage(value)
	if err != nil {
		return errors.Wrapf(err, "put if not exists '%s'", key)
	}
	_, err = z.conn.Create(z.nodePath(key), st.header, 0, z.acl)
	err = z.settle([]string{key}, []zkStaged{st}, nil, err)
	if errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(ErrAlreadyExists, "'%s'", key)
	}
	return errors.Wrapf(err, "put if not exists '%s'", key)
}

func (z *ZooKeeper) Delete(ctx context.Context, key string) error {
	var replaced zkNode
	err := z.multi(ctx, func() ([]interface{}, error) {
		cur, err := z.readNode(key)
		if err != nil {
			return nil, err
		}
		replaced = cur
		if !cur.exists {
			return nil, nil
		}
		return []interface{}{&zk.DeleteRequest{Path: z.nodePath(key), Version: cur.version}}, nil
	})
	err = z.settle(nil, nil, []zkNode{replaced}, err)
	return errors.Wrapf(err, "delete '%s'", key)
}

func (z *ZooKeeper) Scan(ctx context.Context, rng types.KeyRange, keysOnly bool, fn ScanFunc) error {
	children, _, err := z.conn.Children(z.ns)
	if err != nil {
		return errors.Wrapf(err, "list '%s'", z.ns)
	}

	keys := make([]string, 0, len(children))
	for _, child := range children {
		if child == zkBlobDir {
			continue
		}
		key, err := url.PathUnescape(child)
		if err != nil {
			z.log.Warn("skipping znode with an invalid name", "name", child)
			continue
		}
		if rng.Contains([]byte(key)) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	for _, key := range keys {
		var value []byte
		if !keysOnly {
			if value, err = z.Get(ctx, key); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// WriteBatch stages the chunks of every large value first, then publishes
// all headers and deletes in a single Multi
func (z *ZooKeeper) WriteBatch(ctx context.Context, ops []Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}

	// The last op for a key wins
	final := make(map[string]Op, len(ops))
	var order []string
	for _, op := range ops {
		if _, ok := final[op.Key]; !ok {
			order = append(order, op.Key)
		}
		final[op.Key] = op
	}

	staged := make([]zkStaged, len(order))
	for i, key := range order {
		if final[key].Kind != OpPut {
			continue
		}
		st, err := z.stage(final[key].Value)
		if err != nil {
			for _, prev := range staged[:i] {
				z.dropGeneration(prev.gen, prev.chunks)
			}
			return errors.Wrapf(err, "write batch '%s'", key)
		}
		staged[i] = st
	}

	replaced := make([]zkNode, len(order))
	err := z.multi(ctx, func() ([]interface{}, error) {
		var multi []interface{}
		for i, key := range order {
			cur, err := z.readNode(key)
			if err != nil {
				return nil, err
			}
			replaced[i] = cur
			switch {
			case final[key].Kind == OpPut:
				multi = append(multi, z.headerOp(key, staged[i].header, cur))
			case cur.exists:
				multi = append(multi, &zk.DeleteRequest{Path: z.nodePath(key), Version: cur.version})
			}
		}
		return multi, nil
	})
	err = z.settle(order, staged, replaced, err)
	return errors.Wrap(err, "write batch")
}

func (z *ZooKeeper) Close() error {
	z.conn.Close()
	return nil
}
