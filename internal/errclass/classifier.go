// Package errclass maps raw provider error strings to user-facing categories,
// severities and recovery actions.
package errclass

import (
	"regexp"
	"strings"

	"dream-forge-backend/internal/models"
)

type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryRateLimit  Category = "rate_limit"
	CategorySafety     Category = "safety"
	CategoryValidation Category = "validation"
	CategoryResource   Category = "resource"
	CategoryService    Category = "service"
	CategoryInternal   Category = "internal"
)

var AllCategories = []Category{
	CategoryNetwork,
	CategoryRateLimit,
	CategorySafety,
	CategoryValidation,
	CategoryResource,
	CategoryService,
	CategoryInternal,
}

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type RecoveryAction string

const (
	ActionRetry           RecoveryAction = "retry"
	ActionSwitchToBatch   RecoveryAction = "switch-to-batch"
	ActionWait            RecoveryAction = "wait"
	ActionChangeInput     RecoveryAction = "change-input"
	ActionPurchaseCredits RecoveryAction = "purchase-credits"
	ActionContactSupport  RecoveryAction = "contact-support"
)

const (
	CodeSafetyBlocked       = "SAFETY_BLOCKED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeNetworkTimeout      = "NETWORK_TIMEOUT"
	CodeNetworkError        = "NETWORK_ERROR"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeGenerationFailed    = "GENERATION_FAILED"
	CodeServerError         = "SERVER_ERROR"
	CodeUnknown             = "UNKNOWN_ERROR"
)

const defaultRetryDelayMs = 3000

type CategorizedError struct {
	Category              Category         `json:"category"`
	Severity              Severity         `json:"severity"`
	Code                  string           `json:"code"`
	UserMessage           string           `json:"user_message"`
	TechnicalMessage      string           `json:"technical_message"`
	RecoveryActions       []RecoveryAction `json:"recovery_actions"`
	Retryable             bool             `json:"retryable"`
	SuggestedRetryDelayMs int              `json:"suggested_retry_delay_ms,omitempty"`
}

type rule struct {
	pattern     *regexp.Regexp
	category    Category
	code        string
	userMessage string
	retryable   bool
	delayMs     int
	actions     []RecoveryAction
}

// Order matters: specific phrasing must precede the generic server-error catch-all.
var rules = []rule{
	{
		pattern:     regexp.MustCompile(`(?i)safety|blocked|content polic|inappropriate|prohibited|moderation|nsfw`),
		category:    CategorySafety,
		code:        CodeSafetyBlocked,
		userMessage: "This image was blocked by the content safety filter. Please try a different photo.",
	},
	{
		pattern:     regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b|quota exceeded|resource.?exhausted`),
		category:    CategoryRateLimit,
		code:        CodeRateLimited,
		userMessage: "The service is busy right now. Please wait a minute and try again.",
		retryable:   true,
		delayMs:     60000,
	},
	{
		pattern:     regexp.MustCompile(`(?i)insufficient credits|not enough credits|insufficient balance|payment required|\b402\b`),
		category:    CategoryResource,
		code:        CodeInsufficientCredits,
		userMessage: "You do not have enough credits for this step.",
	},
	{
		pattern:     regexp.MustCompile(`(?i)timed? ?out|timeout|etimedout|deadline exceeded`),
		category:    CategoryNetwork,
		code:        CodeNetworkTimeout,
		userMessage: "The request took too long. Please try again.",
		retryable:   true,
		delayMs:     5000,
	},
	{
		pattern:     regexp.MustCompile(`(?i)econnreset|econnrefused|enotfound|network|connection (refused|reset|closed)|socket hang up|fetch failed|no such host`),
		category:    CategoryNetwork,
		code:        CodeNetworkError,
		userMessage: "We could not reach the generation service. Please check your connection and try again.",
		retryable:   true,
		delayMs:     3000,
	},
	{
		pattern:     regexp.MustCompile(`(?i)invalid (image|input|format|request|parameter)|unsupported (format|file|image)|validation|\b400\b|bad request|too (large|small)`),
		category:    CategoryValidation,
		code:        CodeInvalidInput,
		userMessage: "The uploaded image could not be processed. Please try a different photo.",
	},
	{
		pattern:     regexp.MustCompile(`(?i)service unavailable|\b503\b|\b502\b|bad gateway|overloaded|temporarily unavailable|maintenance`),
		category:    CategoryService,
		code:        CodeServiceUnavailable,
		userMessage: "The generation service is temporarily unavailable. Please try again shortly.",
		retryable:   true,
		delayMs:     30000,
	},
	{
		pattern:     regexp.MustCompile(`(?i)task (failed|expired)|generation failed|status:? ?(failed|expired)|no (image|model) (returned|generated)`),
		category:    CategoryService,
		code:        CodeGenerationFailed,
		userMessage: "Generation did not finish successfully. Please try again.",
		retryable:   true,
		delayMs:     5000,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b500\b|internal server error|\berror\b`),
		category:    CategoryService,
		code:        CodeServerError,
		userMessage: "Something went wrong on the generation service. Please try again.",
		retryable:   true,
		delayMs:     defaultRetryDelayMs,
	},
}

// Classify is deterministic: the first matching rule wins.
func Classify(raw string, step models.PipelineStatus) CategorizedError {
	msg := strings.TrimSpace(raw)
	for _, r := range rules {
		if msg == "" || !r.pattern.MatchString(msg) {
			continue
		}
		actions := r.actions
		if actions == nil {
			actions = DefaultActions(r.category)
		}
		return CategorizedError{
			Category:              r.category,
			Severity:              DefaultSeverity(r.category),
			Code:                  r.code,
			UserMessage:           r.userMessage,
			TechnicalMessage:      technicalMessage(msg, step),
			RecoveryActions:       append([]RecoveryAction(nil), actions...),
			Retryable:             r.retryable,
			SuggestedRetryDelayMs: r.delayMs,
		}
	}
	return CategorizedError{
		Category:              CategoryInternal,
		Severity:              DefaultSeverity(CategoryInternal),
		Code:                  CodeUnknown,
		UserMessage:           "An unexpected error occurred. Please try again.",
		TechnicalMessage:      technicalMessage(msg, step),
		RecoveryActions:       DefaultActions(CategoryInternal),
		Retryable:             true,
		SuggestedRetryDelayMs: defaultRetryDelayMs,
	}
}

// DefaultSeverity is used for UI emphasis only.
func DefaultSeverity(c Category) Severity {
	switch c {
	case CategoryNetwork, CategoryRateLimit, CategorySafety, CategoryValidation, CategoryResource:
		return SeverityWarning
	case CategoryService:
		return SeverityError
	case CategoryInternal:
		return SeverityCritical
	}
	return SeverityCritical
}

func DefaultActions(c Category) []RecoveryAction {
	switch c {
	case CategoryNetwork:
		return []RecoveryAction{ActionRetry, ActionSwitchToBatch}
	case CategoryRateLimit:
		return []RecoveryAction{ActionWait, ActionSwitchToBatch}
	case CategorySafety, CategoryValidation:
		return []RecoveryAction{ActionChangeInput}
	case CategoryResource:
		return []RecoveryAction{ActionPurchaseCredits}
	case CategoryService, CategoryInternal:
		return []RecoveryAction{ActionRetry, ActionContactSupport}
	}
	return []RecoveryAction{ActionContactSupport}
}

// RetryableStep reports whether a failure at step may be retried by re-running that stage.
func RetryableStep(step models.PipelineStatus) bool {
	switch step {
	case models.StatusGeneratingImages, models.StatusGeneratingMesh, models.StatusGeneratingTexture:
		return true
	}
	return false
}

// CanRetry requires both a retryable classification and a generation step.
func CanRetry(raw string, step models.PipelineStatus) bool {
	return RetryableStep(step) && Classify(raw, step).Retryable
}

// Resource builds the error reported when a charge is rejected for lack of credits.
func Resource(technical string) CategorizedError {
	return CategorizedError{
		Category:         CategoryResource,
		Severity:         DefaultSeverity(CategoryResource),
		Code:             CodeInsufficientCredits,
		UserMessage:      "You do not have enough credits for this step.",
		TechnicalMessage: technical,
		RecoveryActions:  DefaultActions(CategoryResource),
	}
}

func technicalMessage(msg string, step models.PipelineStatus) string {
	if step == "" {
		return msg
	}
	return string(step) + ": " + msg
}
