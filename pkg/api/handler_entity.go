package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/storyloom/loom/pkg/models"
)

// createEntityHandler handles POST /api/v1/entities.
func (s *Server) createEntityHandler(c *gin.Context) {
	var req models.CreateEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entity, err := s.graph.CreateEntity(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.Header("ETag", `"`+entity.ContentHash+`"`)
	c.JSON(http.StatusCreated, entity)
}

// getEntityHandler handles GET /api/v1/entities/:id. An era query parameter
// resolves the entity version current for that era.
func (s *Server) getEntityHandler(c *gin.Context) {
	id := c.Param("id")

	var entity *models.Entity
	var err error
	if era := c.Query("era"); era != "" {
		entity, err = s.graph.GetEntityAtEra(c.Request.Context(), id, era)
	} else {
		entity, err = s.graph.GetEntity(c.Request.Context(), id)
	}
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.Header("ETag", `"`+entity.ContentHash+`"`)
	c.JSON(http.StatusOK, entity)
}

// updateEntityHandler handles PATCH /api/v1/entities/:id. An If-Match header
// carries the content hash the caller read; a stale hash yields 409.
func (s *Server) updateEntityHandler(c *gin.Context) {
	id := c.Param("id")

	var req models.UpdateEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if match := c.GetHeader("If-Match"); match != "" {
		hash := strings.Trim(match, `"`)
		req.ExpectedHash = &hash
	}

	entity, err := s.graph.UpdateEntity(c.Request.Context(), id, req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.Header("ETag", `"`+entity.ContentHash+`"`)
	c.JSON(http.StatusOK, entity)
}

// deleteEntityHandler handles DELETE /api/v1/entities/:id.
func (s *Server) deleteEntityHandler(c *gin.Context) {
	id := c.Param("id")
	branch := c.DefaultQuery("branch", "main")

	if err := s.graph.DeleteEntity(c.Request.Context(), id, branch); err != nil {
		writeServiceError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// entityChildrenHandler handles GET /api/v1/entities/:id/children.
func (s *Server) entityChildrenHandler(c *gin.Context) {
	id := c.Param("id")

	children, err := s.graph.GetChildren(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"children": children})
}

// treeHandler handles GET /api/v1/tree.
func (s *Server) treeHandler(c *gin.Context) {
	tree, err := s.graph.GetStructureTree(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tree": tree})
}

// searchHandler handles GET /api/v1/search?q=&type=&limit=.
func (s *Server) searchHandler(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}

	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	hits, err := s.graph.HybridSearch(c.Request.Context(), query, c.Query("type"), limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"query": query, "results": hits})
}
