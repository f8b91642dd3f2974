package logging

// Convenience functions for quick logging without getting a logger first.
// These are no-ops if the category is disabled.

// Boot logs to the boot category.
func Boot(format string, args ...any) { Get(CategoryBoot).Info(format, args...) }

// Ingest logs to the ingest category.
func Ingest(format string, args ...any) { Get(CategoryIngest).Info(format, args...) }

// IngestDebug logs debug to the ingest category.
func IngestDebug(format string, args ...any) { Get(CategoryIngest).Debug(format, args...) }

// IngestWarn logs warning to the ingest category.
func IngestWarn(format string, args ...any) { Get(CategoryIngest).Warn(format, args...) }

// Queue logs to the queue category.
func Queue(format string, args ...any) { Get(CategoryQueue).Info(format, args...) }

// QueueDebug logs debug to the queue category.
func QueueDebug(format string, args ...any) { Get(CategoryQueue).Debug(format, args...) }

// QueueError logs error to the queue category.
func QueueError(format string, args ...any) { Get(CategoryQueue).Error(format, args...) }

// Pipeline logs to the pipeline category.
func Pipeline(format string, args ...any) { Get(CategoryPipeline).Info(format, args...) }

// PipelineDebug logs debug to the pipeline category.
func PipelineDebug(format string, args ...any) { Get(CategoryPipeline).Debug(format, args...) }

// PipelineError logs error to the pipeline category.
func PipelineError(format string, args ...any) { Get(CategoryPipeline).Error(format, args...) }

// Memory logs to the memory category.
func Memory(format string, args ...any) { Get(CategoryMemory).Info(format, args...) }

// MemoryDebug logs debug to the memory category.
func MemoryDebug(format string, args ...any) { Get(CategoryMemory).Debug(format, args...) }

// Ralph logs to the ralph category.
func Ralph(format string, args ...any) { Get(CategoryRalph).Info(format, args...) }

// RalphDebug logs debug to the ralph category.
func RalphDebug(format string, args ...any) { Get(CategoryRalph).Debug(format, args...) }

// RalphWarn logs a warning to the quality-gate log.
func RalphWarn(format string, args ...any) { Get(CategoryRalph).Warn(format, args...) }

// Cognitive logs to the cognitive category.
func Cognitive(format string, args ...any) { Get(CategoryCognitive).Info(format, args...) }

// CognitiveDebug logs debug to the cognitive category.
func CognitiveDebug(format string, args ...any) { Get(CategoryCognitive).Debug(format, args...) }

// Eidos logs to the eidos category.
func Eidos(format string, args ...any) { Get(CategoryEidos).Info(format, args...) }

// EidosDebug logs debug to the eidos category.
func EidosDebug(format string, args ...any) { Get(CategoryEidos).Debug(format, args...) }

// Advisory logs to the advisory category.
func Advisory(format string, args ...any) { Get(CategoryAdvisory).Info(format, args...) }

// AdvisoryDebug logs debug to the advisory category.
func AdvisoryDebug(format string, args ...any) { Get(CategoryAdvisory).Debug(format, args...) }

// AdvisoryWarn logs warning to the advisory category.
func AdvisoryWarn(format string, args ...any) { Get(CategoryAdvisory).Warn(format, args...) }

// Feedback logs to the feedback category.
func Feedback(format string, args ...any) { Get(CategoryFeedback).Info(format, args...) }

// FeedbackDebug logs debug to the feedback category.
func FeedbackDebug(format string, args ...any) { Get(CategoryFeedback).Debug(format, args...) }

// Promotion logs to the promotion category.
func Promotion(format string, args ...any) { Get(CategoryPromotion).Info(format, args...) }

// PromotionDebug logs debug to the promotion category.
func PromotionDebug(format string, args ...any) { Get(CategoryPromotion).Debug(format, args...) }

// Store logs to the store category.
func Store(format string, args ...any) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// StoreError logs error to the store category.
func StoreError(format string, args ...any) { Get(CategoryStore).Error(format, args...) }
