package receipt

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(filepath.Join(tmpDir, "captures"))
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewLocalStorage", func() {
		It("should create the directory", func() {
			info, err := os.Stat(filepath.Join(tmpDir, "captures"))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.IsDir()).To(BeTrue())
		})
	})

	Describe("Save", func() {
		var (
			name      string
			savedPath string
			err       error
		)

		BeforeEach(func() {
			name = "id_video0.png"
		})

		JustBeforeEach(func() {
			savedPath, err = storage.Save(name, []byte("image"))
		})

		When("saving succeeds", func() {
			It("should return the stored name", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(savedPath).To(Equal("id_video0.png"))
			})

			It("should write the file", func() {
				data, err := os.ReadFile(filepath.Join(tmpDir, "captures", "id_video0.png"))
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal([]byte("image")))
			})
		})

		When("the name escapes the storage directory", func() {
			BeforeEach(func() {
				name = "../escape.png"
			})

			It("returns an invalid path error", func() {
				Expect(err).To(MatchError(ErrInvalidPath))
				_, statErr := os.Stat(filepath.Join(tmpDir, "escape.png"))
				Expect(os.IsNotExist(statErr)).To(BeTrue())
			})
		})

		When("the name is empty", func() {
			BeforeEach(func() {
				name = ""
			})

			It("returns an invalid path error", func() {
				Expect(err).To(MatchError(ErrInvalidPath))
			})
		})
	})

	Describe("Get", func() {
		It("should read a saved file", func() {
			_, err := storage.Save("a.png", []byte("abc"))
			Expect(err).NotTo(HaveOccurred())
			data, err := storage.Get("a.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("abc")))
		})

		It("returns a not found error for a missing file", func() {
			_, err := storage.Get("missing.png")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("Delete", func() {
		It("should remove a saved file", func() {
			_, err := storage.Save("a.png", []byte("abc"))
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.Delete("a.png")).To(Succeed())
			_, err = storage.Get("a.png")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("returns an error for a missing file", func() {
			Expect(storage.Delete("missing.png")).NotTo(Succeed())
		})
	})
})
