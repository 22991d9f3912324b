package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"code.savanna.org/golang/internal/transport"
	"code.savanna.org/golang/pkg/secchan"
)

const maxClientResponseBytes = 1 << 20

// ResponseError reports a non 200 answer of the application service.
type ResponseError struct {
	Status int
	Body   transport.ErrorBody
}

func (self *ResponseError) Error() string {
	return fmt.Sprintf("upload: status %d, %s", self.Status, self.Body.Message)
}

// Client runs the client side of secure uploads.
type Client struct {
	baseUrl string
	http    *http.Client
	codec   secchan.Codec
}

// NewClient returns a Client of the service at baseUrl.
// A nil client uses http.DefaultClient.
func NewClient(baseUrl string, client *http.Client) (*Client, error) {
	if "" == baseUrl {
		return nil, newError("empty baseUrl")
	}
	if nil == client {
		client = http.DefaultClient
	}
	return &Client{baseUrl: strings.TrimSuffix(baseUrl, "/"), http: client, codec: secchan.V1}, nil
}

// Handshake requests a new handshake.
func (self *Client) Handshake(ctx context.Context) (HandshakeResponse, error) {
	var rv HandshakeResponse
	err := self.do(ctx, http.MethodGet, HandshakePath, nil, &rv)
	return rv, err
}

// Seal protects sample for the handshake hs.
func (self *Client) Seal(hs HandshakeResponse, sample []byte, userId string) (SecureUploadRequest, error) {
	var rv SecureUploadRequest

	serverPub, err := base64.StdEncoding.DecodeString(hs.PublicKey)
	if nil != err {
		return rv, wrapError(ErrInvalidEncoding, "publicKey, %v", err)
	}
	salt, err := base64.StdEncoding.DecodeString(hs.Salt)
	if nil != err {
		return rv, wrapError(ErrInvalidEncoding, "salt, %v", err)
	}
	sealed, err := self.codec.Seal(serverPub, salt, sample)
	if nil != err {
		return rv, wrapError(err, "failed sealing sample")
	}

	rv.UserId = userId
	rv.Payload = &SecurePayload{
		IV:         base64.StdEncoding.EncodeToString(sealed.IV),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
	}
	rv.ClientPub = base64.StdEncoding.EncodeToString(sealed.ClientPub)
	rv.KeyId = hs.KeyId

	return rv, nil
}

// Upload runs a handshake and submits sample over the secure channel.
func (self *Client) Upload(ctx context.Context, sample []byte, userId string) (UploadResponse, error) {
	var rv UploadResponse

	hs, err := self.Handshake(ctx)
	if nil != err {
		return rv, err
	}
	req, err := self.Seal(hs, sample, userId)
	if nil != err {
		return rv, err
	}
	err = self.do(ctx, http.MethodPost, SecureUploadPath, req, &rv)
	return rv, err
}

func (self *Client) do(ctx context.Context, method string, path string, body any, dst any) error {
	var rd io.Reader
	if nil != body {
		srz, err := json.Marshal(body)
		if nil != err {
			return wrapError(err, "failed marshalling request")
		}
		rd = bytes.NewReader(srz)
	}
	req, err := http.NewRequestWithContext(ctx, method, self.baseUrl+path, rd)
	if nil != err {
		return wrapError(err, "failed creating request")
	}
	if nil != body {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := self.http.Do(req)
	if nil != err {
		return wrapError(err, "failed %s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxClientResponseBytes))
	if nil != err {
		return wrapError(err, "failed reading response")
	}
	if http.StatusOK != resp.StatusCode {
		rerr := &ResponseError{Status: resp.StatusCode}
		json.Unmarshal(data, &rerr.Body)
		return rerr
	}

	return wrapError(json.Unmarshal(data, dst), "failed decoding response")
}
