package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountdomain "github.com/metergate/metergate/internal/account/domain"
	"github.com/metergate/metergate/internal/authz"
	gatewaydomain "github.com/metergate/metergate/internal/gateway/domain"
	meteringdomain "github.com/metergate/metergate/internal/metering/domain"
	paymentdomain "github.com/metergate/metergate/internal/payment/domain"
	pricingdomain "github.com/metergate/metergate/internal/pricing/domain"
	"github.com/metergate/metergate/internal/settlement"
	"github.com/metergate/metergate/pkg/faults"
	"go.uber.org/zap"
)

const (
	headerUser    = "X-User"
	headerService = "X-Service"
)

// actorFrom reads the caller identity injected by the fronting proxy.
// Authentication itself happens upstream.
func actorFrom(c *gin.Context) authz.Actor {
	return authz.Actor{
		User:    c.GetHeader(headerUser),
		Service: c.GetHeader(headerService) == "true",
	}
}

func requireService(c *gin.Context) bool {
	actor := actorFrom(c)
	if !actor.Service {
		AbortWithError(c, &faults.PermissionDenied{Actor: actor.User, Action: "call service endpoints"})
		return false
	}
	return true
}

func requireSelfOrService(c *gin.Context, owner string) bool {
	actor := actorFrom(c)
	if actor.Service || (actor.User != "" && actor.User == owner) {
		return true
	}
	AbortWithError(c, &faults.PermissionDenied{Actor: actor.User, Action: "view account " + owner})
	return false
}

func parseID(c *gin.Context, raw string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(raw)
	if err != nil {
		AbortWithError(c, &faults.BadUserInput{Field: "id", Message: "malformed id"})
		return 0, false
	}
	return id, true
}

// activityView projects one activity through the capability check,
// field by field. A field the actor may not see is simply absent.
func activityView(actor authz.Actor, a *accountdomain.AccountActivity) gin.H {
	view := gin.H{}
	put := func(field string, value any) {
		if authz.CanView(actor, a.User, field) {
			view[field] = value
		}
	}
	put("id", a.ID.String())
	put("user", a.User)
	put("createdAt", a.CreatedAt)
	put("type", a.Type)
	put("reason", a.Reason)
	put("status", a.Status)
	put("settleAt", a.SettleAt)
	put("amount", a.Amount)
	put("description", a.Description)
	if a.BilledApp != nil {
		put("billedApp", *a.BilledApp)
	}
	if a.ConsumedFreeQuota != nil {
		put("consumedFreeQuota", *a.ConsumedFreeQuota)
	}
	if a.AccountHistoryID != nil {
		put("accountHistoryId", a.AccountHistoryID.String())
	}
	if a.UsageSummaryID != nil {
		put("usageSummaryId", a.UsageSummaryID.String())
	}
	if a.PaymentAcceptID != nil {
		put("paymentAcceptId", a.PaymentAcceptID.String())
	}
	return view
}

func historyView(actor authz.Actor, h *accountdomain.AccountHistory) gin.H {
	view := gin.H{}
	put := func(field string, value any) {
		if authz.CanView(actor, h.User, field) {
			view[field] = value
		}
	}
	put("id", h.ID.String())
	put("user", h.User)
	put("sequentialId", h.SequentialID)
	put("startingBalance", h.StartingBalance)
	put("closingBalance", h.ClosingBalance)
	put("startingTime", h.StartingTime)
	put("closingTime", h.ClosingTime)
	return view
}

type recordActivityRequest struct {
	User        string `json:"user" binding:"required"`
	Type        string `json:"type" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	SettleAt    int64  `json:"settleAt"`
	Description string `json:"description"`
	BilledApp   string `json:"billedApp"`
}

func (s *Server) recordActivity(c *gin.Context) {
	if !requireService(c) {
		return
	}
	var req recordActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, &faults.BadUserInput{Field: "body", Message: "invalid request body"})
		return
	}
	domainReq := accountdomain.RecordActivityRequest{
		User:        req.User,
		Type:        accountdomain.ActivityType(req.Type),
		Reason:      accountdomain.ActivityReason(req.Reason),
		Amount:      req.Amount,
		SettleAt:    req.SettleAt,
		Description: req.Description,
	}
	if req.BilledApp != "" {
		domainReq.BilledApp = &req.BilledApp
	}
	activity, err := s.accountSvc.RecordActivity(c.Request.Context(), domainReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, activityView(actorFrom(c), activity))
}

func (s *Server) listActivities(c *gin.Context) {
	user := c.Query("user")
	if !requireSelfOrService(c, user) {
		return
	}
	startTime, _ := strconv.ParseInt(c.Query("startTime"), 10, 64)
	endTime, _ := strconv.ParseInt(c.Query("endTime"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	resp, err := s.accountSvc.ListActivities(c.Request.Context(), accountdomain.ListActivitiesRequest{
		User:      user,
		StartTime: startTime,
		EndTime:   endTime,
		Limit:     limit,
		PageToken: c.Query("pageToken"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor := actorFrom(c)
	items := make([]gin.H, 0, len(resp.Activities))
	for _, a := range resp.Activities {
		items = append(items, activityView(actor, a))
	}
	c.JSON(http.StatusOK, gin.H{"activities": items, "nextPageToken": resp.NextPageToken})
}

func (s *Server) listHistories(c *gin.Context) {
	user := c.Query("user")
	if !requireSelfOrService(c, user) {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	resp, err := s.accountSvc.ListHistories(c.Request.Context(), accountdomain.ListHistoriesRequest{
		User:      user,
		Limit:     limit,
		PageToken: c.Query("pageToken"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor := actorFrom(c)
	items := make([]gin.H, 0, len(resp.Histories))
	for _, h := range resp.Histories {
		items = append(items, historyView(actor, h))
	}
	c.JSON(http.StatusOK, gin.H{"histories": items, "nextPageToken": resp.NextPageToken})
}

func (s *Server) getBalance(c *gin.Context) {
	user := c.Param("user")
	if !requireSelfOrService(c, user) {
		return
	}
	consistent := c.Query("consistent") == "true"
	balance, err := s.accountSvc.BalanceOf(c.Request.Context(), user, consistent)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "balance": balance})
}

func (s *Server) triggerSettlement(c *gin.Context) {
	if !requireService(c) {
		return
	}
	user := c.Param("user")
	if err := settlement.TriggerSettlement(c.Request.Context(), s.dispatcher, user); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"user": user})
}

func (s *Server) checkAdmission(c *gin.Context) {
	if !requireService(c) {
		return
	}
	decision, err := s.gatewaySvc.CheckAdmission(c.Request.Context(),
		c.Query("user"), c.Query("app"),
		gatewaydomain.CheckOptions{ForceBalanceCheck: c.Query("forceBalanceCheck") == "true"})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp := gin.H{"allowed": decision.Allowed, "requester": decision.Requester}
	if decision.Reason != "" {
		resp["reason"] = decision.Reason
	}
	if decision.PricingID != nil {
		resp["pricingId"] = decision.PricingID.String()
	}
	c.JSON(http.StatusOK, resp)
}

type createAppRequest struct {
	Name        string `json:"name" binding:"required"`
	Owner       string `json:"owner" binding:"required"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) createApp(c *gin.Context) {
	if !requireService(c) {
		return
	}
	var req createAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, &faults.BadUserInput{Field: "body", Message: "invalid request body"})
		return
	}
	app, err := s.pricingSvc.CreateApp(c.Request.Context(), pricingdomain.CreateAppRequest{
		Name:        req.Name,
		Owner:       req.Owner,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, app)
}

type createPricingRequest struct {
	App              string `json:"app" binding:"required"`
	Name             string `json:"name" binding:"required"`
	MinMonthlyCharge string `json:"minMonthlyCharge" binding:"required"`
	ChargePerRequest string `json:"chargePerRequest" binding:"required"`
	FreeQuota        int64  `json:"freeQuota"`
	Visible          bool   `json:"visible"`
}

func (s *Server) createPricing(c *gin.Context) {
	if !requireService(c) {
		return
	}
	var req createPricingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, &faults.BadUserInput{Field: "body", Message: "invalid request body"})
		return
	}
	pricing, err := s.pricingSvc.CreatePricing(c.Request.Context(), pricingdomain.CreatePricingRequest{
		App:              req.App,
		Name:             req.Name,
		MinMonthlyCharge: req.MinMonthlyCharge,
		ChargePerRequest: req.ChargePerRequest,
		FreeQuota:        req.FreeQuota,
		Visible:          req.Visible,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pricing)
}

type updatePricingRequest struct {
	Name    *string `json:"name"`
	Visible *bool   `json:"visible"`
}

func (s *Server) updatePricing(c *gin.Context) {
	if !requireService(c) {
		return
	}
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	var req updatePricingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, &faults.BadUserInput{Field: "body", Message: "invalid request body"})
		return
	}
	pricing, err := s.pricingSvc.UpdatePricing(c.Request.Context(), id, pricingdomain.UpdatePricingRequest{
		Name:    req.Name,
		Visible: req.Visible,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, pricing)
}

func (s *Server) listPricings(c *gin.Context) {
	pricings, err := s.pricingSvc.ListPricings(c.Request.Context(), c.Query("app"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pricings": pricings})
}

type subscribeRequest struct {
	App        string `json:"app" binding:"required"`
	Subscriber string `json:"subscriber" binding:"required"`
	PricingID  string `json:"pricingId" binding:"required"`
}

func (s *Server) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, &faults.BadUserInput{Field: "body", Message: "invalid request body"})
		return
	}
	if !requireSelfOrService(c, req.Subscriber) {
		return
	}
	pricingID, ok := parseID(c, req.PricingID)
	if !ok {
		return
	}
	sub, err := s.pricingSvc.Subscribe(c.Request.Context(), req.App, req.Subscriber, pricingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) unsubscribe(c *gin.Context) {
	app := c.Query("app")
	subscriber := c.Query("subscriber")
	if !requireSelfOrService(c, subscriber) {
		return
	}
	if err := s.pricingSvc.Unsubscribe(c.Request.Context(), app, subscriber); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type recordUsageRequest struct {
	App        string `json:"app" binding:"required"`
	Subscriber string `json:"subscriber" binding:"required"`
	Volume     int64  `json:"volume" binding:"required"`
}

// recordUsage ingests proxied volume, bills it into pending activities
// and queues settlement for both sides of the charge.
func (s *Server) recordUsage(c *gin.Context) {
	if !requireService(c) {
		return
	}
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, &faults.BadUserInput{Field: "body", Message: "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	summary, err := s.meteringSvc.CreateUsageSummary(ctx, meteringdomain.CreateUsageSummaryRequest{
		App:        req.App,
		Subscriber: req.Subscriber,
		Volume:     req.Volume,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	result, err := s.meteringSvc.GenerateAccountActivities(ctx, summary.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := settlement.TriggerSettlement(ctx, s.dispatcher, req.Subscriber); err != nil {
		s.log.Error("failed to queue subscriber settlement", zap.Error(err))
	}
	app, err := s.pricingSvc.GetApp(ctx, req.App)
	if err == nil {
		if err := settlement.TriggerSettlement(ctx, s.dispatcher, app.Owner); err != nil {
			s.log.Error("failed to queue owner settlement", zap.Error(err))
		}
	}
	c.JSON(http.StatusCreated, gin.H{
		"usageSummaryId": result.UsageSummary.ID.String(),
		"volumeFree":     result.VolumeFree,
		"volumeBilled":   result.VolumeBilled,
		"monthlyCharged": result.MonthlyCharged,
	})
}

type createPaymentRequest struct {
	User       string `json:"user" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	ExternalID string `json:"externalId" binding:"required"`
}

func (s *Server) createPayment(c *gin.Context) {
	if !requireService(c) {
		return
	}
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, &faults.BadUserInput{Field: "body", Message: "invalid request body"})
		return
	}
	payment, err := s.paymentSvc.CreatePayment(c.Request.Context(), paymentdomain.CreatePaymentRequest{
		User:       req.User,
		Amount:     req.Amount,
		ExternalID: req.ExternalID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (s *Server) completePayment(c *gin.Context) {
	if !requireService(c) {
		return
	}
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	payment, err := s.paymentSvc.GetPayment(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := settlement.TriggerPaymentCompleted(c.Request.Context(), s.dispatcher, payment.User, payment.ID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"paymentId": payment.ID.String()})
}
