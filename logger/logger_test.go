package logger_test

import (
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"github.com/uber-go/zap"

	"code.xhttpd.io/xhttpd/logger"
)

func lines(sink *gbytes.Buffer) []string {
	out := strings.Split(string(sink.Contents()), "\n")
	return out[:len(out)-1]
}

var _ = Describe("Logger", func() {
	var (
		sink *gbytes.Buffer
		log  logger.Logger
	)

	BeforeEach(func() {
		sink = gbytes.NewBuffer()
		log = logger.NewLogger("my-component",
			zap.DebugLevel,
			zap.Output(zap.AddSync(sink)),
		)
	})

	It("tags messages with the component as source", func() {
		log.Info("my-action", zap.String("my-key", "my-value"))
		Expect(lines(sink)).To(HaveLen(1))
		Expect(lines(sink)[0]).To(MatchRegexp(
			`"message":"my-action","source":"my-component".*"my-key":"my-value"`,
		))
	})

	Describe("Session", func() {
		It("appends to the source with a dot-separated path", func() {
			child := log.Session("child")
			child.Info("my-action")
			Expect(lines(sink)).To(HaveLen(1))
			Expect(child.SessionName()).To(Equal("my-component.child"))
			Expect(lines(sink)[0]).To(ContainSubstring(`"source":"my-component.child"`))
		})
	})

	Describe("With", func() {
		It("nests fields under a data object on every subsequent call", func() {
			withLog := log.With(zap.String("request-id", "abc"))
			withLog.Info("my-action")
			Expect(lines(sink)).To(HaveLen(1))
			Expect(lines(sink)[0]).To(ContainSubstring(`"data":{"request-id":"abc"}`))
		})
	})

	Describe("Error", func() {
		It("logs the error message at error level", func() {
			log.Error("op-failed", zap.Error(errors.New("boom")))
			Expect(lines(sink)).To(HaveLen(1))
			Expect(lines(sink)[0]).To(ContainSubstring(`"error":"boom"`))
		})
	})

	Describe("ConnectionSession", func() {
		It("sessions under the given component and tags every line with request-id", func() {
			connLog := logger.ConnectionSession(log, "conn", "abc-123")
			connLog.Info("accepted")
			Expect(lines(sink)).To(HaveLen(1))
			Expect(connLog.SessionName()).To(Equal("my-component.conn"))
			Expect(lines(sink)[0]).To(ContainSubstring(`"source":"my-component.conn"`))
			Expect(lines(sink)[0]).To(ContainSubstring(`"data":{"request-id":"abc-123"}`))
		})
	})
})
