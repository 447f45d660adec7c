// Copyright 2024 The gonda Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	circuit "github.com/rubyist/circuitbreaker"
)

var (
	resolverOnce sync.Once
	resolver     *dnscache.Resolver
)

// cachedResolver refreshes its entries every five minutes for the life of
// the process.
func cachedResolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		resolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				resolver.Refresh(true)
			}
		}()
	})
	return resolver
}

// defaultClient builds the transfer client: DNS-cached dialing, per-host
// circuit breaking, pooled connections, and the process TLS configuration.
func defaultClient(connectTimeout time.Duration) *http.Client {
	res := cachedResolver()
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	base := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := res.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				conn, derr := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if derr == nil {
					return conn, nil
				}
				err = derr
			}
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("no resolved address for %s", host)
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		TLSClientConfig:       tlsConfig(),
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: &breakerTransport{
			inner:    base,
			breakers: map[string]*circuit.Breaker{},
		},
	}
}

// breakerTransport opens a per-host circuit after consecutive transport
// failures so a dead mirror stops eating the retry budget of every target.
type breakerTransport struct {
	inner http.RoundTripper

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
}

func (b *breakerTransport) breakerFor(host string) *circuit.Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.breakers[host]; ok {
		return br
	}
	br := circuit.NewConsecutiveBreaker(8)
	b.breakers[host] = br
	return br
}

func (b *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	br := b.breakerFor(req.URL.Host)
	if !br.Ready() {
		return nil, fmt.Errorf("circuit open for %s", req.URL.Host)
	}
	resp, err := b.inner.RoundTrip(req)
	if err != nil {
		br.Fail()
		return nil, err
	}
	br.Success()
	return resp, nil
}
