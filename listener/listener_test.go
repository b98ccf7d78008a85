package listener_test

import (
	"bufio"
	"net"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/uber-go/zap"

	"code.xhttpd.io/xhttpd/conn"
	"code.xhttpd.io/xhttpd/handlerrt"
	"code.xhttpd.io/xhttpd/listener"
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

var _ = Describe("Listener", func() {
	It("accepts connections and hands them to the pool", func() {
		log := logger.NewLogger("listener-test", zap.DiscardOutput)
		pool := workerpool.New(1, okHandler{}, conn.DefaultConfig, clock.NewClock(), log)

		ln, err := listener.New("127.0.0.1", 0, pool, log)
		Expect(err).NotTo(HaveOccurred())
		Expect(ln.Start()).To(Succeed())
		defer ln.Close()

		Expect(ln.Addr()).NotTo(BeEmpty())

		c, err := net.DialTimeout("tcp", ln.Addr(), time.Second)
		Expect(err).NotTo(HaveOccurred())
		defer c.Close()

		rw := bufio.NewReadWriter(bufio.NewReader(c), bufio.NewWriter(c))
		rw.WriteString("GET / HTTP/1.0\r\n\r\n")
		rw.Flush()

		line, err := rw.ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(line).To(Equal("HTTP/1.0 204 No Content\r\n"))
	})

	It("resolves an advertised IP when host is empty or 0.0.0.0", func() {
		log := logger.NewLogger("listener-test", zap.DiscardOutput)
		pool := workerpool.New(1, okHandler{}, conn.DefaultConfig, clock.NewClock(), log)

		ln, err := listener.New("0.0.0.0", 0, pool, log)
		Expect(err).NotTo(HaveOccurred())
		Expect(ln.AdvertisedIP()).NotTo(Equal("0.0.0.0"))
	})

	It("Close stops accepting without erroring", func() {
		log := logger.NewLogger("listener-test", zap.DiscardOutput)
		pool := workerpool.New(1, okHandler{}, conn.DefaultConfig, clock.NewClock(), log)

		ln, err := listener.New("127.0.0.1", 0, pool, log)
		Expect(err).NotTo(HaveOccurred())
		Expect(ln.Start()).To(Succeed())
		Expect(ln.Close()).To(Succeed())
	})
})
