package discover

import (
	"math/big"
	"testing"
	"testing/quick"

	"github.com/dragoonfly-net/dragoonfly/identity"
)

func quickcfg() *quick.Config {
	return &quick.Config{MaxCount: 5000}
}

func TestDistcmpAgainstBig(t *testing.T) {
	distcmpBig := func(target, a, b hash) int {
		tbig := new(big.Int).SetBytes(target[:])
		abig := new(big.Int).SetBytes(a[:])
		bbig := new(big.Int).SetBytes(b[:])
		return new(big.Int).Xor(tbig, abig).Cmp(new(big.Int).Xor(tbig, bbig))
	}
	if err := quick.CheckEqual(distcmp, distcmpBig, quickcfg()); err != nil {
		t.Error(err)
	}
}

func TestDistcmpEqual(t *testing.T) {
	var base, x hash
	for i := range base {
		base[i] = byte(i)
		x[i] = byte(15 - i%16)
	}
	if distcmp(base, x, x) != 0 {
		t.Errorf("distcmp(base, x, x) != 0")
	}
}

func TestLogdistAgainstBig(t *testing.T) {
	logdistBig := func(a, b hash) int {
		abig, bbig := new(big.Int).SetBytes(a[:]), new(big.Int).SetBytes(b[:])
		return new(big.Int).Xor(abig, bbig).BitLen()
	}
	if err := quick.CheckEqual(logdist, logdistBig, quickcfg()); err != nil {
		t.Error(err)
	}
}

func TestLogdistEqual(t *testing.T) {
	var x hash
	for i := range x {
		x[i] = byte(i)
	}
	if logdist(x, x) != 0 {
		t.Errorf("logdist(x, x) != 0")
	}
}

func TestClosestAddSortsByDistance(t *testing.T) {
	target := hash{}
	c := newClosest(target)
	var nodes []*Node
	for i := byte(1); i <= 5; i++ {
		n := &Node{ID: identity.ID(string(rune('0' + i)))}
		n.sha[0] = i
		nodes = append(nodes, n)
	}
	// insert in reverse order
	for i := len(nodes) - 1; i >= 0; i-- {
		c.Add(nodes[i])
	}
	got := c.Slice()
	if len(got) != len(nodes) {
		t.Fatalf("got %d nodes, want %d", len(got), len(nodes))
	}
	for i := 1; i < len(got); i++ {
		if distcmp(target, got[i-1].sha, got[i].sha) > 0 {
			t.Errorf("nodes not sorted by ascending distance at index %d", i)
		}
	}
}

func TestClosestDeduplicates(t *testing.T) {
	c := newClosest(hash{})
	n := &Node{}
	c.Add(n)
	c.Add(n)
	if len(c.Slice()) != 1 {
		t.Errorf("expected duplicate Add to be ignored")
	}
}
