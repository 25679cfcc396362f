package client

import (
	"fmt"
	"os"
	"sync"
)

// The default client mirrors mbclient.c's process-wide
// mb_default_client: most callers only ever need one registration per
// process, keyed by pid. Its lifetime is explicit here (tied to the
// first RegisterDefault/RegisterDefaultSource call and ended by
// TerminateDefault) rather than a bare mutated package global with
// implicit zero-value state, since a nil *Client is a much louder
// "not registered yet" signal than a half-initialized struct.
var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Default returns the process's default client, or nil if none has
// been registered yet.
func Default() *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultClient
}

// RegisterDefault registers the process (by pid) as the default
// client, as a sink or a plain bidi client. Calling it again before
// TerminateDefault returns the existing registration.
func RegisterDefault(bidi bool) (*Client, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		return defaultClient, nil
	}
	c, err := dial(int32(os.Getpid()), bidi, 0)
	if err != nil {
		return nil, err
	}
	defaultClient = c
	return c, nil
}

// RegisterDefaultSource registers the process as the default client,
// offering pages as a source.
func RegisterDefaultSource(pages int32) (*Client, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		return defaultClient, nil
	}
	c, err := dial(int32(os.Getpid()), true, pages)
	if err != nil {
		return nil, err
	}
	defaultClient = c
	return c, nil
}

// TerminateDefault terminates and clears the default client, if any.
func TerminateDefault() error {
	defaultMu.Lock()
	c := defaultClient
	defaultClient = nil
	defaultMu.Unlock()
	if c == nil {
		return nil
	}
	return c.Terminate()
}

func requireDefault() (*Client, error) {
	c := Default()
	if c == nil {
		return nil, fmt.Errorf("client: no default client registered")
	}
	return c, nil
}

// RequestPages, ReservePages, ReturnPages, Status, QueryServer,
// QueryTotal and Query are package-level shorthands for the
// corresponding Client methods on the default client, mirroring
// mb_request_pages/mb_reserve_pages/mb_return_pages/... in mbclient.c.

func RequestPages(pages int32) (int32, error) {
	c, err := requireDefault()
	if err != nil {
		return 0, err
	}
	return c.RequestPages(pages)
}

func ReservePages(pages int32) (int32, error) {
	c, err := requireDefault()
	if err != nil {
		return 0, err
	}
	return c.ReservePages(pages)
}

func ReturnPages(pages int32) error {
	c, err := requireDefault()
	if err != nil {
		return err
	}
	return c.ReturnPages(pages)
}

func Status() error {
	c, err := requireDefault()
	if err != nil {
		return err
	}
	return c.Status()
}

func QueryServer() (int32, error) {
	c, err := requireDefault()
	if err != nil {
		return 0, err
	}
	return c.QueryServer()
}

func QueryTotal() (int32, error) {
	c, err := requireDefault()
	if err != nil {
		return 0, err
	}
	return c.QueryTotal()
}

func Query() (int32, error) {
	c, err := requireDefault()
	if err != nil {
		return 0, err
	}
	return c.Query(), nil
}
