package netinspect

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRunner struct {
	outputs map[string]string
	err     error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, _ map[string]string) (string, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)
	if f.err != nil {
		return "", f.err
	}
	return f.outputs[key], nil
}

const scutilManualProxy = `<dictionary> {
  HTTPEnable : 1
  HTTPPort : 7890
  HTTPProxy : 127.0.0.1
  HTTPSEnable : 1
  HTTPSPort : 7890
  HTTPSProxy : 127.0.0.1
  SOCKSEnable : 1
  SOCKSPort : 7891
  SOCKSProxy : 127.0.0.1
}`

const scutilPACProxy = `<dictionary> {
  ProxyAutoConfigEnable : 1
  ProxyAutoConfigURLString : http://127.0.0.1:7892/proxy.pac
}`

func TestIsProxySetToExpected(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"scutil --proxy": scutilManualProxy}}
	insp := NewInspector(r)

	t.Run("strict match", func(t *testing.T) {
		ok, err := insp.IsProxySetToExpected(context.Background(), 7890, 7891, true)
		if err != nil {
			t.Fatalf("inspect: %v", err)
		}
		if !ok {
			t.Error("expected strict match")
		}
	})

	t.Run("strict mismatch on socks", func(t *testing.T) {
		ok, err := insp.IsProxySetToExpected(context.Background(), 7890, 9999, true)
		if err != nil {
			t.Fatalf("inspect: %v", err)
		}
		if ok {
			t.Error("strict match with wrong socks port")
		}
	})

	t.Run("relaxed accepts partial", func(t *testing.T) {
		ok, err := insp.IsProxySetToExpected(context.Background(), 7890, 9999, false)
		if err != nil {
			t.Fatalf("inspect: %v", err)
		}
		if !ok {
			t.Error("relaxed match rejected http-only hit")
		}
	})
}

func TestIsPACSetTo(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"scutil --proxy": scutilPACProxy}}
	insp := NewInspector(r)

	ok, err := insp.IsPACSetTo(context.Background(), "http://127.0.0.1:7892/proxy.pac")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !ok {
		t.Error("expected PAC match")
	}

	ok, _ = insp.IsPACSetTo(context.Background(), "http://elsewhere/pac")
	if ok {
		t.Error("matched wrong PAC URL")
	}
}

func TestPrimaryInterfaceName(t *testing.T) {
	out := `   route to: default
destination: default
       mask: default
    gateway: 192.168.1.1
  interface: en0
      flags: <UP,GATEWAY,DONE,STATIC,PRCLONING>
`
	r := &fakeRunner{outputs: map[string]string{"route -n get default": out}}
	name, err := NewInspector(r).PrimaryInterfaceName(context.Background())
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if name != "en0" {
		t.Errorf("interface = %q, want en0", name)
	}
}

func TestPrimaryInterfaceName_CommandFailure(t *testing.T) {
	r := &fakeRunner{err: errors.New("route: not in table")}
	if _, err := NewInspector(r).PrimaryInterfaceName(context.Background()); err == nil {
		t.Error("expected error when route lookup fails")
	}
}
