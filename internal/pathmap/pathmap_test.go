package pathmap

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestJoin(t *testing.T) {
	cases := []struct{ root, tail, want string }{
		{"/lower", "/a/b", "/lower/a/b"},
		{"/lower", "a/b", "/lower/a/b"},
		{"/lower/", "/a/b/", "/lower/a/b"},
		{"/lower", "", "/lower"},
		{"/lower", "/", "/lower"},
	}
	for _, c := range cases {
		assert.Check(t, is.Equal(Join(c.root, c.tail), c.want))
	}
}

func TestNormalize(t *testing.T) {
	assert.Check(t, is.Equal(Normalize(""), "/"))
	assert.Check(t, is.Equal(Normalize("/"), "/"))
	assert.Check(t, is.Equal(Normalize("/a/b/"), "/a/b"))
	assert.Check(t, is.Equal(Normalize("/a/b"), "/a/b"))
}

func TestParent(t *testing.T) {
	assert.Check(t, is.Equal(Parent("/"), "/"))
	assert.Check(t, is.Equal(Parent("/a"), "/"))
	assert.Check(t, is.Equal(Parent("/a/b"), "/a"))
	assert.Check(t, is.Equal(Parent("/a/b/c"), "/a/b"))
}

func TestJoin2(t *testing.T) {
	assert.Check(t, is.Equal(Join2("/", "a"), "/a"))
	assert.Check(t, is.Equal(Join2("/a", "b"), "/a/b"))
}

func TestMapperRealAndFake(t *testing.T) {
	m := Mapper{Lower: "/lower", Upper: "/upper"}
	assert.Check(t, is.Equal(m.RealOf("/a/b"), "/lower/a/b"))
	assert.Check(t, is.Equal(m.FakeOf("/a/b"), "/upper/fake_root/a/b"))
	assert.Check(t, is.Equal(m.FakeRoot(), "/upper/fake_root"))
	assert.Check(t, is.Equal(m.ShadowFile(), "/upper/shadow"))
}
