package useragent

import (
	"strings"
	"sync"
	"testing"
)

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(nil)
	if len(p.All()) != len(Desktop) {
		t.Errorf("expected %d default UAs, got %d", len(Desktop), len(p.All()))
	}
}

func TestPool_NextRoundRobin(t *testing.T) {
	p := NewPool([]string{"a", "b", "c"})
	want := []string{"a", "b", "c", "a"}
	for i, w := range want {
		if got := p.Next(); got != w {
			t.Errorf("call %d: expected %s, got %s", i, w, got)
		}
	}
}

func TestPool_NextConcurrent(t *testing.T) {
	p := NewPool([]string{"a", "b"})
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[string]int{}
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ua := p.Next()
			mu.Lock()
			counts[ua]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if counts["a"] != 50 || counts["b"] != 50 {
		t.Errorf("expected even distribution, got %v", counts)
	}
}

func TestPool_Random(t *testing.T) {
	p := NewPool([]string{"only"})
	if got := p.Random(); got != "only" {
		t.Errorf("expected only, got %s", got)
	}
}

func TestPool_ForHostStable(t *testing.T) {
	p := NewPool(nil)
	first := p.ForHost("www.alibaba.com")
	for i := 0; i < 10; i++ {
		if got := p.ForHost("WWW.alibaba.com"); got != first {
			t.Fatalf("expected stable UA per host, got %q then %q", first, got)
		}
	}
}

func TestPool_ForHostMobile(t *testing.T) {
	p := NewPool(nil)
	ua := p.ForHost("m.aliexpress.com")
	if !strings.Contains(ua, "Mobile") {
		t.Errorf("expected a mobile UA for m. host, got %q", ua)
	}
}

func TestPool_CopiesInput(t *testing.T) {
	in := []string{"a"}
	p := NewPool(in)
	in[0] = "mutated"
	if p.Next() != "a" {
		t.Errorf("pool must not observe caller mutation")
	}
}
