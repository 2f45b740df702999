package network

import "testing"

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1, 0)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected conn cap")
	}
	lim.releaseConn("1.2.3.4")
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterStreamCap(t *testing.T) {
	lim := newIPLimiter(0, 2)
	if !lim.acquireStream("1.2.3.4") || !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream cap")
	}
	lim.releaseStream("1.2.3.4")
	if !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1, 1)
	if !lim.acquireConn("1.2.3.4") || !lim.acquireConn("2.3.4.5") {
		t.Fatalf("expected one conn per ip")
	}
	if !lim.acquireStream("1.2.3.4") || !lim.acquireStream("2.3.4.5") {
		t.Fatalf("expected one stream per ip")
	}
}

func TestCapCounterReleaseUnknownKey(t *testing.T) {
	c := newCapCounter(1)
	c.release("never-acquired")
	if !c.acquire("never-acquired") {
		t.Fatalf("expected acquire after stray release")
	}
}
