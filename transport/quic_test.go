// SPDX-License-Identifier: AGPL-3.0-only
package transport

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func insecureClientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"shareswarm"}}
}

func TestQUICConnRoundTrip(t *testing.T) {
	tlsConf, err := GenerateTLSConfig()
	require.NoError(t, err)

	ln, err := Listen("127.0.0.1:0", tlsConf, nil)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			serverDone <- err
			return
		}
		if _, err := conn.Write(buf); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	client, err := Dial(ctx, ln.Addr().String(), insecureClientTLSConfig(), nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	reply := make([]byte, 5)
	_, err = client.Read(reply)
	require.NoError(t, err)
	require.Equal(t, "hello", string(reply))

	require.NoError(t, <-serverDone)
}
