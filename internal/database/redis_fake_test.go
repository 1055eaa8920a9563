package database

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeRedis speaks enough RESP2 for the daily pnl store and can drop every
// connection on demand to simulate an outage.
type fakeRedis struct {
	ln   net.Listener
	down atomic.Bool

	pings    atomic.Int32
	setCalls atomic.Int32

	mu      sync.Mutex
	values  map[string]string
	members map[string]map[string]struct{}
	conns   map[net.Conn]struct{}
}

func newFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeRedis{
		ln:      ln,
		values:  make(map[string]string),
		members: make(map[string]map[string]struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
	go f.accept()
	t.Cleanup(func() {
		ln.Close()
		f.dropConns()
	})
	return f
}

func (f *fakeRedis) Addr() string { return f.ln.Addr().String() }

func (f *fakeRedis) client(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:            f.Addr(),
		Protocol:        2,
		DisableIdentity: true,
		MaxRetries:      -1,
		DialTimeout:     200 * time.Millisecond,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

// Down closes open connections and refuses new ones until Up
func (f *fakeRedis) Down() {
	f.down.Store(true)
	f.dropConns()
}

func (f *fakeRedis) Up() { f.down.Store(false) }

func (f *fakeRedis) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[key]
	return ok
}

func (f *fakeRedis) dropConns() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.conns {
		c.Close()
		delete(f.conns, c)
	}
}

func (f *fakeRedis) accept() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		if f.down.Load() {
			conn.Close()
			continue
		}
		f.mu.Lock()
		f.conns[conn] = struct{}{}
		f.mu.Unlock()
		go f.serve(conn)
	}
}

func (f *fakeRedis) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	var queued [][]string
	inTx := false
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if f.down.Load() {
			return
		}

		name := strings.ToUpper(args[0])
		var out string
		switch {
		case name == "MULTI":
			inTx, queued = true, nil
			out = "+OK\r\n"
		case name == "EXEC":
			var b strings.Builder
			fmt.Fprintf(&b, "*%d\r\n", len(queued))
			for _, q := range queued {
				b.WriteString(f.reply(q))
			}
			inTx, queued = false, nil
			out = b.String()
		case inTx:
			queued = append(queued, args)
			out = "+QUEUED\r\n"
		default:
			out = f.reply(args)
		}
		if _, err := io.WriteString(conn, out); err != nil {
			return
		}
	}
}

func (f *fakeRedis) reply(args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch strings.ToUpper(args[0]) {
	case "PING":
		f.pings.Add(1)
		return "+PONG\r\n"
	case "SET":
		f.setCalls.Add(1)
		f.values[args[1]] = args[2]
		return "+OK\r\n"
	case "GET":
		v, ok := f.values[args[1]]
		if !ok {
			return "$-1\r\n"
		}
		return bulk(v)
	case "DEL":
		n := 0
		for _, k := range args[1:] {
			if _, ok := f.values[k]; ok {
				delete(f.values, k)
				n++
			}
		}
		return fmt.Sprintf(":%d\r\n", n)
	case "SADD":
		set, ok := f.members[args[1]]
		if !ok {
			set = make(map[string]struct{})
			f.members[args[1]] = set
		}
		n := 0
		for _, m := range args[2:] {
			if _, ok := set[m]; !ok {
				set[m] = struct{}{}
				n++
			}
		}
		return fmt.Sprintf(":%d\r\n", n)
	case "SREM":
		n := 0
		for _, m := range args[2:] {
			if _, ok := f.members[args[1]][m]; ok {
				delete(f.members[args[1]], m)
				n++
			}
		}
		return fmt.Sprintf(":%d\r\n", n)
	case "SMEMBERS":
		var b strings.Builder
		fmt.Fprintf(&b, "*%d\r\n", len(f.members[args[1]]))
		for m := range f.members[args[1]] {
			b.WriteString(bulk(m))
		}
		return b.String()
	case "EXPIRE":
		return ":1\r\n"
	default:
		return fmt.Sprintf("-ERR unknown command '%s'\r\n", args[0])
	}
}

func bulk(s string) string {
	return fmt.Sprintf("$%d\r\n%s\r\n", len(s), s)
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected line %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 1 {
		return nil, fmt.Errorf("bad array header %q", line)
	}

	args := make([]string, n)
	for i := range args {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimRight(header, "\r\n")[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args[i] = string(buf[:size])
	}
	return args, nil
}
