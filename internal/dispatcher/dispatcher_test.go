package dispatcher

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/pldemone/btpresenced/internal/presence"
	"github.com/pldemone/btpresenced/internal/protocol"
	"github.com/pldemone/btpresenced/internal/subscription"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}

func testDispatcher() (*Dispatcher, *presence.Table, *subscription.Registry) {
	table := presence.NewTable()
	reg := subscription.NewRegistry()
	cfg := Config{
		MainLoopSleep:      250 * time.Millisecond,
		CleanupInterval:    900 * time.Second,
		CleanupMaxAge:      1800 * time.Second,
		StatsIntervalInfo:  300 * time.Second,
		StatsIntervalDebug: 60 * time.Second,
		DumpInterval:       10 * time.Second,
		DaemonName:         "btpresenced",
		Version:            "0.01",
	}
	d := &Dispatcher{cfg: cfg, table: table, registry: reg, log: nopLogger{}}
	return d, table, reg
}

// pipeSession returns a clientSession backed by one end of a net.Pipe, and
// a *bufio.Reader on the other end to read what the dispatcher writes.
func pipeSession() (*clientSession, *bufio.Reader, net.Conn) {
	server, client := net.Pipe()
	sess := newClientSession(server)
	return sess, bufio.NewReader(client), client
}

func TestHandleLineSubscribeAcceptsAndRegisters(t *testing.T) {
	d, _, reg := testDispatcher()
	sess, r, client := pipeSession()
	defer client.Close()

	disconnects := make(chan *clientSession, 1)
	go d.handleLine(sess, "aa:bb:cc:dd:ee:ff|30", 1, disconnects)

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if line != protocol.RespAccepted+"\n" {
		t.Errorf("response = %q, want %q", line, protocol.RespAccepted+"\n")
	}
	if !reg.Has("aa:bb:cc:dd:ee:ff") {
		t.Error("subscribe should register the mac")
	}
	if sess.mac != "aa:bb:cc:dd:ee:ff" || sess.intervalS != 30 {
		t.Errorf("session state = %+v, want mac/interval set", sess)
	}
}

func TestHandleLineSubscribeReplacesPriorMAC(t *testing.T) {
	d, _, reg := testDispatcher()
	sess, r, client := pipeSession()
	defer client.Close()
	disconnects := make(chan *clientSession, 2)

	go d.handleLine(sess, "aa:bb:cc:dd:ee:ff|30", 1, disconnects)
	r.ReadString('\n')

	go d.handleLine(sess, "11:22:33:44:55:66|30", 1, disconnects)
	r.ReadString('\n')

	if reg.Has("aa:bb:cc:dd:ee:ff") {
		t.Error("replacing a subscription should unset the prior mac")
	}
	if !reg.Has("11:22:33:44:55:66") {
		t.Error("replacing a subscription should register the new mac")
	}
}

func TestHandleLineNowResetsNextCheck(t *testing.T) {
	d, _, _ := testDispatcher()
	sess, r, client := pipeSession()
	defer client.Close()
	sess.nextCheck = 99999

	disconnects := make(chan *clientSession, 1)
	go d.handleLine(sess, "now", 1, disconnects)
	r.ReadString('\n')

	if sess.nextCheck != 0 {
		t.Errorf("nextCheck = %d, want 0", sess.nextCheck)
	}
}

func TestHandleLineStopUnsetsAndReplies(t *testing.T) {
	d, _, reg := testDispatcher()
	reg.Set("aa:bb:cc:dd:ee:ff", 30)
	sess, r, client := pipeSession()
	defer client.Close()
	sess.mac = "aa:bb:cc:dd:ee:ff"

	disconnects := make(chan *clientSession, 1)
	go d.handleLine(sess, "stop", 1, disconnects)

	line, _ := r.ReadString('\n')
	if line != protocol.RespNoCommand+"\n" {
		t.Errorf("response = %q, want %q", line, protocol.RespNoCommand+"\n")
	}
	if reg.Has("aa:bb:cc:dd:ee:ff") {
		t.Error("stop should unset the registry entry")
	}
	if sess.mac != "" {
		t.Errorf("sess.mac = %q, want cleared", sess.mac)
	}
}

func TestHandleLinePingRepliesAndDisconnects(t *testing.T) {
	d, table, _ := testDispatcher()
	table.Upsert("aa:bb:cc:dd:ee:ff", "Phone", "", 10)
	sess, r, client := pipeSession()
	defer client.Close()

	disconnects := make(chan *clientSession, 1)
	go d.handleLine(sess, "ping", 2, disconnects)

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	want := "pong [clients=2;devices=1;min_age="
	if len(line) < len(want) || line[:len(want)] != want {
		t.Errorf("response = %q, want prefix %q", line, want)
	}

	select {
	case got := <-disconnects:
		if got != sess {
			t.Error("disconnect signal should reference the ping session")
		}
	case <-time.After(time.Second):
		t.Error("ping should enqueue a disconnect")
	}
}

func TestPingStatsUnknownWhenTableEmpty(t *testing.T) {
	d, _, _ := testDispatcher()
	got := d.pingStats(0)
	want := "pong [clients=0;devices=0;min_age=%;max_age=%]"
	if got != want {
		t.Errorf("pingStats = %q, want %q", got, want)
	}
}

func TestDrainForceResetsNextCheckForMatchingSessions(t *testing.T) {
	d, _, reg := testDispatcher()
	reg.Set("aa:bb:cc:dd:ee:ff", 30)
	reg.MarkForce("aa:bb:cc:dd:ee:ff")

	sess := &clientSession{mac: "aa:bb:cc:dd:ee:ff", nextCheck: 99999}
	other := &clientSession{mac: "11:22:33:44:55:66", nextCheck: 99999}
	sessions := map[*clientSession]bool{sess: true, other: true}

	d.drainForce(sessions)

	if sess.nextCheck != 0 {
		t.Errorf("forced session nextCheck = %d, want 0", sess.nextCheck)
	}
	if other.nextCheck != 99999 {
		t.Error("unrelated session should be untouched")
	}
}

func TestEvaluateDueEmitsPresentAndAbsence(t *testing.T) {
	d, table, _ := testDispatcher()
	table.Upsert("aa:bb:cc:dd:ee:ff", "Phone", "", 1<<30) // effectively "now"

	present, r1, c1 := pipeSession()
	present.mac = "aa:bb:cc:dd:ee:ff"
	present.intervalS = 3600
	present.nextCheck = 0
	defer c1.Close()

	absent, r2, c2 := pipeSession()
	absent.mac = "11:22:33:44:55:66"
	absent.intervalS = 30
	absent.nextCheck = 0
	defer c2.Close()

	sessions := map[*clientSession]bool{present: true, absent: true}
	done := make(chan bool, 1)
	go func() { done <- d.evaluateDue(sessions) }()

	line1, err := r1.ReadString('\n')
	if err != nil {
		t.Fatalf("reading present response: %v", err)
	}
	if line1[:7] != "present" {
		t.Errorf("present session response = %q, want present;...", line1)
	}

	line2, err := r2.ReadString('\n')
	if err != nil {
		t.Fatalf("reading absence response: %v", err)
	}
	if line2[:7] != "absence" {
		t.Errorf("absent session response = %q, want absence;...", line2)
	}

	if !<-done {
		t.Error("evaluateDue should report at least one due session")
	}
	if present.nextCheck == 0 {
		t.Error("present session's nextCheck should have advanced")
	}
}

func TestCleanupRemovesUnreferencedStaleEntries(t *testing.T) {
	d, table, _ := testDispatcher()
	table.Upsert("aa:bb:cc:dd:ee:ff", "Phone", "", -10000) // ancient
	table.Upsert("11:22:33:44:55:66", "Pad", "", -10000)   // ancient, still referenced

	sess := &clientSession{mac: "11:22:33:44:55:66"}
	d.cleanup(map[*clientSession]bool{sess: true})

	if _, ok := table.Read("aa:bb:cc:dd:ee:ff"); ok {
		t.Error("unreferenced stale entry should be removed")
	}
	if _, ok := table.Read("11:22:33:44:55:66"); !ok {
		t.Error("referenced entry should survive cleanup regardless of age")
	}
}
