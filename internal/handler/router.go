package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"xypay/internal/metrics"
)

func SetupRouter(h *Handler, m *metrics.Metrics, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(MetricsMiddleware(m))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		transfers := api.Group("/transfers")
		{
			transfers.POST("", h.SubmitTransfer)
			transfers.GET("", h.ListTransfers)
			transfers.GET("/:id", h.GetTransfer)
			transfers.POST("/:id/guards", h.ConfirmGuard)
			transfers.POST("/:id/cancel", h.CancelTransfer)
		}

		wallets := api.Group("/wallets")
		{
			wallets.GET("/:account/balance", h.GetBalance)
			wallets.GET("/:account/transactions", h.GetStatement)
		}

		sagas := api.Group("/sagas")
		{
			sagas.POST("", h.StartSaga)
			sagas.GET("/:id", h.GetSaga)
		}

		subaccounts := api.Group("/subaccounts")
		{
			subaccounts.POST("/interest/withdraw", h.WithdrawInterest)
			subaccounts.GET("/:user_id/:kind", h.GetSubAccount)
			subaccounts.GET("/:user_id/:kind/transactions", h.GetSubAccountTransactions)
			subaccounts.PUT("/:user_id/preference", h.SavePreference)
		}

		api.POST("/ops/outbox/requeue", h.RequeueOutbox)
	}

	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
