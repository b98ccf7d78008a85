package workerpool_test

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
	"code.xhttpd.io/xhttpd/workerpool"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type okHandler struct{}

func (okHandler) Setup() error { return nil }
func (okHandler) Main(req *request.Request) handlerrt.Outcome {
	req.SetStatus(204)
	req.Finish()
	return handlerrt.Done
}

func testLogger() logger.Logger { return logger.NewLogger("workerpool-test", zap.DiscardOutput) }

var _ = Describe("Pool", func() {
	It("assigns connections round-robin across its workers and serves them", func() {
		pool := workerpool.New(2, okHandler{}, conn.DefaultConfig, clock.NewClock(), testLogger())

		server1, client1 := net.Pipe()
		server2, client2 := net.Pipe()
		pool.Assign(server1)
		pool.Assign(server2)

		for _, c := range []net.Conn{client1, client2} {
			rw := bufio.NewReadWriter(bufio.NewReader(c), bufio.NewWriter(c))
			rw.WriteString("GET / HTTP/1.0\r\n\r\n")
			rw.Flush()
			line, err := rw.ReadString('\n')
			Expect(err).NotTo(HaveOccurred())
			Expect(line).To(Equal("HTTP/1.0 204 No Content\r\n"))
		}
	})

	It("closes newly assigned sockets without serving them once suspended", func() {
		pool := workerpool.New(1, okHandler{}, conn.DefaultConfig, clock.NewClock(), testLogger())
		pool.Suspend()

		server, client := net.Pipe()
		pool.Assign(server)

		buf := make([]byte, 1)
		client.SetReadDeadline(time.Now().Add(time.Second))
		_, err := client.Read(buf)
		Expect(err).To(HaveOccurred())
	})

	It("Drain returns once every in-flight connection finishes", func() {
		pool := workerpool.New(1, okHandler{}, conn.DefaultConfig, clock.NewClock(), testLogger())

		server, client := net.Pipe()
		pool.Assign(server)

		rw := bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client))
		rw.WriteString("GET / HTTP/1.0\r\n\r\n")
		rw.Flush()
		rw.ReadString('\n')

		done := make(chan struct{})
		go func() {
			pool.Drain(time.Second)
			close(done)
		}()
		Eventually(done, 2*time.Second).Should(BeClosed())
	})
})
