package conn_test

import (
	"bufio"
	"net"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/uber-go/zap"

	"code.xhttpd.io/xhttpd/conn"
	"code.xhttpd.io/xhttpd/handlerrt"
	"code.xhttpd.io/xhttpd/logger"
	"code.xhttpd.io/xhttpd/request"
	"code.xhttpd.io/xhttpd/stream"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// syncHandler writes a fixed body and finishes synchronously.
type syncHandler struct {
	status int
	body   string
	header map[string]string
}

func (h *syncHandler) Setup() error { return nil }

func (h *syncHandler) Main(req *request.Request) handlerrt.Outcome {
	req.SetStatus(h.status)
	for k, v := range h.header {
		req.OverwriteResponseHeader(k, v)
	}
	if h.body != "" {
		req.Write(stream.NewBufferSourceBytes([]byte(h.body)))
	}
	req.Finish()
	return handlerrt.Done
}

func newTestLogger() logger.Logger {
	return logger.NewLogger("conn-test", zap.DiscardOutput)
}

func dialPipe(handler handlerrt.Handler) (client *bufio.ReadWriter, serverConn *conn.Connection) {
	serverSide, clientSide := net.Pipe()
	c := conn.New(serverSide, handler, newTestLogger(), conn.DefaultConfig, clock.NewClock())
	go c.Serve()
	return bufio.NewReadWriter(bufio.NewReader(clientSide), bufio.NewWriter(clientSide)), c
}

var _ = Describe("Connection", func() {
	It("serves a simple GET request with a Content-Length body", func() {
		h := &syncHandler{status: 200, body: "hello", header: map[string]string{"Content-Length": "5"}}
		client, _ := dialPipe(h)

		client.WriteString("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
		client.Flush()

		statusLine, err := client.ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(statusLine).To(Equal("HTTP/1.1 200 OK\r\n"))

		headers := readHeaders(client)
		Expect(headers["Content-Length"]).To(Equal("5"))

		body := make([]byte, 5)
		_, err = readFull(client, body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal("hello"))
	})

	It("installs chunked framing when no Content-Length is set", func() {
		h := &syncHandler{status: 200, body: "abc"}
		client, _ := dialPipe(h)

		client.WriteString("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
		client.Flush()

		statusLine, _ := client.ReadString('\n')
		Expect(statusLine).To(Equal("HTTP/1.1 200 OK\r\n"))
		headers := readHeaders(client)
		Expect(headers["Transfer-Encoding"]).To(Equal("chunked"))

		chunkSizeLine, _ := client.ReadString('\n')
		Expect(chunkSizeLine).To(Equal("3\r\n"))
	})

	It("closes after an HTTP/1.0 request with no keep-alive", func() {
		h := &syncHandler{status: 204}
		serverSide, clientSide := net.Pipe()
		c := conn.New(serverSide, h, newTestLogger(), conn.DefaultConfig, clock.NewClock())
		done := make(chan struct{})
		go func() { c.Serve(); close(done) }()

		client := bufio.NewReadWriter(bufio.NewReader(clientSide), bufio.NewWriter(clientSide))
		client.WriteString("GET / HTTP/1.0\r\n\r\n")
		client.Flush()

		statusLine, err := client.ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(statusLine).To(Equal("HTTP/1.0 204 No Content\r\n"))

		Eventually(done, time.Second).Should(BeClosed())
	})
})

func readHeaders(r *bufio.ReadWriter) map[string]string {
	headers := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil || line == "\r\n" {
			return headers
		}
		for i := 0; i < len(line); i++ {
			if line[i] == ':' {
				name := line[:i]
				value := line[i+2 : len(line)-2]
				headers[name] = value
				break
			}
		}
	}
}

func readFull(r *bufio.ReadWriter, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
