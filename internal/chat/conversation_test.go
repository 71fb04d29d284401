package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeContent(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", "hello", "hello", false},
		{"trimmed", "  hi there \n", "hi there", false},
		{"empty", "", "", true},
		{"whitespace only", " \t\n ", "", true},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), "", true},
		{"too many runes", strings.Repeat("é", MaxTextChars+1), "", true},
		{"invalid utf8", "ok\xff", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeContent(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NormalizeContent(%q) expected error, got %q", tc.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeContent(%q) unexpected error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("NormalizeContent(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestNormalizeContent_EmptySentinel(t *testing.T) {
	if _, err := NormalizeContent("   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestDirectKey_OrderIndependent(t *testing.T) {
	if DirectKey("alice", "bob") != DirectKey("bob", "alice") {
		t.Fatal("DirectKey should not depend on argument order")
	}
	if DirectKey("alice", "bob") == DirectKey("alice", "carol") {
		t.Fatal("different pairs must not share a key")
	}
}

func TestDirectKey_SeparatorInIdentity(t *testing.T) {
	cases := [][2][2]string{
		{{"a|b", "c"}, {"a", "b|c"}},
		{{"a", "b|c"}, {"a|b", "c"}},
		{{"x:1", "y"}, {"x", "1|y"}},
		{{"1:a", "b"}, {"1", "a|b"}},
	}
	for _, tc := range cases {
		k1 := DirectKey(tc[0][0], tc[0][1])
		k2 := DirectKey(tc[1][0], tc[1][1])
		if k1 == k2 {
			t.Errorf("pairs %v and %v share key %q", tc[0], tc[1], k1)
		}
	}
}

func TestNewConversation_Normalize(t *testing.T) {
	t.Run("direct dedupes to one member", func(t *testing.T) {
		_, err := NewConversation{Type: TypeDirect, Members: []string{"alice", " alice "}}.Normalize()
		if !errors.Is(err, ErrDirectMembers) {
			t.Fatalf("expected ErrDirectMembers, got %v", err)
		}
	})

	t.Run("direct with two members", func(t *testing.T) {
		n, err := NewConversation{Type: TypeDirect, Members: []string{"bob", "alice", "bob"}}.Normalize()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(n.Members) != 2 || n.Members[0] != "bob" || n.Members[1] != "alice" {
			t.Errorf("unexpected members %v", n.Members)
		}
	})

	t.Run("group needs members", func(t *testing.T) {
		_, err := NewConversation{Type: TypeGroup, Members: []string{" "}}.Normalize()
		if !errors.Is(err, ErrNoMembers) {
			t.Fatalf("expected ErrNoMembers, got %v", err)
		}
	})

	t.Run("group needs a name", func(t *testing.T) {
		_, err := NewConversation{Type: TypeGroup, Name: "  ", Members: []string{"alice"}}.Normalize()
		if !errors.Is(err, ErrGroupName) {
			t.Fatalf("expected ErrGroupName, got %v", err)
		}
		n, err := NewConversation{Type: TypeGroup, Name: " ops ", Members: []string{"alice"}}.Normalize()
		if err != nil || n.Name != "ops" {
			t.Fatalf("expected trimmed name ops, got %q, %v", n.Name, err)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := (NewConversation{Type: "CHANNEL", Members: []string{"a"}}).Normalize(); err == nil {
			t.Fatal("expected error for unknown type")
		}
	})
}

func TestConversation_Peer(t *testing.T) {
	c := &Conversation{Type: TypeDirect, Members: []string{"alice", "bob"}}
	if got := c.Peer("alice"); got != "bob" {
		t.Errorf("Peer(alice) = %q, want bob", got)
	}
	if got := c.Peer("carol"); got != "" {
		t.Errorf("Peer(carol) = %q, want empty", got)
	}
	if !c.HasMember("bob") || c.HasMember("carol") {
		t.Error("HasMember returned wrong result")
	}
}
