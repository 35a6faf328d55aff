package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/pipeline"
)

// createPipelineHandler handles POST /api/v1/pipelines. The body is a full
// pipeline definition; it is validated and persisted as a pipeline_def
// entity.
func (s *Server) createPipelineHandler(c *gin.Context) {
	var def models.PipelineDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.engine.SaveDefinition(c.Request.Context(), &def)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id, "name": def.Name})
}

// generatePipelineHandler handles POST /api/v1/pipelines/generate. The
// planner skill designs a definition from a natural-language intent; the
// result is persisted and returned in full so the caller can render it.
func (s *Server) generatePipelineHandler(c *gin.Context) {
	var req models.GeneratePipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Intent == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "intent is required"})
		return
	}
	if req.Title == "" {
		req.Title = "Generated Pipeline"
	}

	def, err := s.engine.GenerateDefinition(c.Request.Context(), req.Intent, req.Title)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	id, err := s.engine.SaveDefinition(c.Request.Context(), def)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id, "name": def.Name, "definition": def})
}

// distillPipelineHandler handles POST /api/v1/pipelines/distill. A recorded
// session becomes a reusable definition with the concrete text generalised
// away.
func (s *Server) distillPipelineHandler(c *gin.Context) {
	var req models.DistillPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Title == "" {
		req.Title = "Distilled Pipeline"
	}

	def, err := pipeline.DistillDefinition(req.Actions, req.Title)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	id, err := s.engine.SaveDefinition(c.Request.Context(), def)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id, "name": def.Name, "definition": def})
}

// startRunHandler handles POST /api/v1/pipelines/runs. Without a
// definition_id the run follows the legacy scripted sequence.
func (s *Server) startRunHandler(c *gin.Context) {
	var req models.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := s.engine.Start(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

// listRunsHandler handles GET /api/v1/pipelines/runs.
func (s *Server) listRunsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.engine.LiveRuns()})
}

// getRunHandler handles GET /api/v1/pipelines/runs/:id.
func (s *Server) getRunHandler(c *gin.Context) {
	id := c.Param("id")

	snap, ok := s.engine.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live run " + id})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// resumeRunHandler handles POST /api/v1/pipelines/runs/:id/resume. The
// optional patch is merged into the run payload before the cursor moves on.
func (s *Server) resumeRunHandler(c *gin.Context) {
	id := c.Param("id")

	var req models.ResumeRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.engine.Resume(id, req.Patch); err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run_id": id})
}

// modelOverrideHandler handles POST /api/v1/pipelines/runs/:id/model-override.
func (s *Server) modelOverrideHandler(c *gin.Context) {
	id := c.Param("id")

	var req models.StepModelOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.StepID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "step_id is required"})
		return
	}

	if err := s.engine.SetStepModelOverride(id, req.StepID, req.Model); err != nil {
		writeServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// cancelRunHandler handles DELETE /api/v1/pipelines/runs/:id.
func (s *Server) cancelRunHandler(c *gin.Context) {
	id := c.Param("id")

	if !s.engine.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live run " + id})
		return
	}

	c.Status(http.StatusNoContent)
}

// streamRunHandler handles GET /api/v1/pipelines/runs/:id/stream. Each state
// change arrives as one run snapshot JSON document followed by a blank line;
// the final document carries a terminal current_state, then the stream
// closes.
func (s *Server) streamRunHandler(c *gin.Context) {
	id := c.Param("id")

	snapshots, err := s.engine.Watch(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	send := beginEventStream(c)
	for snap := range snapshots {
		if !send(snap) {
			// The watcher stops on its own once the request context is
			// cancelled.
			return
		}
	}
}
